package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("gifts")

		collection.Fields.Add(
			&core.TextField{
				Name:     "name",
				Required: true,
			},
			&core.URLField{
				Name: "url",
			},
			&core.NumberField{
				Name: "price",
			},
			&core.RelationField{
				Name:         "owner",
				Required:     true,
				CollectionId: "_pb_users_auth_",
				MaxSelect:    1,
			},
		)

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("gifts")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
