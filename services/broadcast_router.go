package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gift-presence/config"
	"gift-presence/internal/status"
	"gift-presence/models"
	"gift-presence/monitoring"
	"gift-presence/utils"

	pubnub "github.com/pubnub/go"
	"github.com/redis/go-redis/v9"
)

// EventPublisher is the seam the coordinator and monitor publish through.
type EventPublisher interface {
	Publish(ctx context.Context, ev models.OccupancyEvent)
}

// Subscriber receives occupancy events for one gift. Callbacks run on the
// delivery path and must not block.
type Subscriber func(models.OccupancyEvent)

// BroadcastRouter fans occupancy changes out to three audiences: local
// subscribers on this instance, sibling instances over a Redis pub/sub
// channel, and clients over per-gift PubNub channels. Delivery is
// at-least-once; receivers apply an event only if its version exceeds the last
// applied version for that gift, so duplicates and reordering cannot corrupt
// observed state.
//
// A publish failure never stalls the presence operation that caused it: the
// event goes onto a bounded retry queue and is re-sent with exponential
// backoff, behind a circuit breaker that sheds attempts while the transport
// stays dead.
type BroadcastRouter struct {
	Redis      *redis.Client
	PubNub     *pubnub.PubNub
	config     *config.Config
	breaker    *utils.CircuitBreaker
	instanceID string

	mu          sync.Mutex
	subscribers map[string]map[string]Subscriber
	lastApplied map[string]int64

	retryCh  chan models.OccupancyEvent
	pubsub   *redis.PubSub
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewBroadcastRouter(redisClient *redis.Client, pn *pubnub.PubNub, cfg *config.Config) *BroadcastRouter {
	instanceID, _ := utils.GenerateCode(8)

	return &BroadcastRouter{
		Redis:       redisClient,
		PubNub:      pn,
		config:      cfg,
		breaker:     utils.NewCircuitBreaker("broadcast"),
		instanceID:  instanceID,
		subscribers: make(map[string]map[string]Subscriber),
		lastApplied: make(map[string]int64),
		retryCh:     make(chan models.OccupancyEvent, 256),
		stopChan:    make(chan struct{}),
	}
}

// Start launches the cross-instance listener and the retry worker.
func (r *BroadcastRouter) Start(ctx context.Context) {
	r.pubsub = r.Redis.Subscribe(ctx, r.config.BroadcastChannel)

	r.wg.Add(2)
	go r.listenRemote()
	go r.retryWorker()
}

// Subscribe registers a local subscriber for a gift's occupancy events.
func (r *BroadcastRouter) Subscribe(giftID, subscriberID string, fn Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.subscribers[giftID]
	if !ok {
		subs = make(map[string]Subscriber)
		r.subscribers[giftID] = subs
	}
	subs[subscriberID] = fn
}

func (r *BroadcastRouter) Unsubscribe(giftID, subscriberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if subs, ok := r.subscribers[giftID]; ok {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(r.subscribers, giftID)
		}
	}
}

// Publish delivers the event locally and pushes it onto the shared transport.
// Transport failures are logged and retried out of band.
func (r *BroadcastRouter) Publish(ctx context.Context, ev models.OccupancyEvent) {
	ev.Origin = r.instanceID

	r.deliverLocal(ev)

	if err := r.publishRemote(ctx, ev); err != nil {
		slog.Warn("broadcast publish failed, queueing retry",
			"gift_id", ev.GiftID, "version", ev.Version, "error", err)
		monitoring.TrackBroadcast("deferred")
		r.enqueueRetry(ev)
		return
	}
	monitoring.TrackBroadcast("published")
}

// deliverLocal applies the version gate and invokes this instance's
// subscribers. Holding the lock across the callbacks keeps per-gift delivery
// ordered; callbacks must not block.
func (r *BroadcastRouter) deliverLocal(ev models.OccupancyEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.Version <= r.lastApplied[ev.GiftID] {
		monitoring.TrackBroadcast("stale_dropped")
		return
	}

	// The watermark survives the gift going idle. The store never resets a
	// gift's version counter, so a replayed pre-idle event (a retried publish
	// landing after the availability event) still carries a lower version and
	// is dropped here.
	r.lastApplied[ev.GiftID] = ev.Version

	for _, fn := range r.subscribers[ev.GiftID] {
		fn(ev)
	}
}

func (r *BroadcastRouter) publishRemote(ctx context.Context, ev models.OccupancyEvent) error {
	_, err := r.breaker.Execute(ctx, func() (interface{}, error) {
		payload, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}

		if err := r.Redis.Publish(ctx, r.config.BroadcastChannel, payload).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", status.ErrTransportUnavailable, err)
		}

		if r.PubNub != nil {
			channel := fmt.Sprintf("gift-%s", ev.GiftID)
			_, _, err := r.PubNub.Publish().
				Channel(channel).
				Message(clientPayload(ev)).
				Execute()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", status.ErrTransportUnavailable, err)
			}
		}

		return nil, nil
	})
	return err
}

// clientPayload shapes the event for client channels. Viewer identity never
// appears here.
func clientPayload(ev models.OccupancyEvent) map[string]any {
	switch ev.Type() {
	case models.EventGiftAvailable:
		return map[string]any{
			"type":    models.EventGiftAvailable,
			"gift_id": ev.GiftID,
		}
	case models.EventGiftOccupied:
		return map[string]any{
			"type":         models.EventGiftOccupied,
			"gift_id":      ev.GiftID,
			"viewer_count": ev.Count,
		}
	default:
		return map[string]any{
			"type":    models.EventViewerCount,
			"gift_id": ev.GiftID,
			"count":   ev.Count,
		}
	}
}

func (r *BroadcastRouter) enqueueRetry(ev models.OccupancyEvent) {
	select {
	case r.retryCh <- ev:
	default:
		// Queue full: drop rather than block the operation path. Receivers
		// recover from the gap at the next occupancy change for the gift.
		slog.Error("broadcast retry queue full, dropping event",
			"gift_id", ev.GiftID, "version", ev.Version)
		monitoring.TrackBroadcast("dropped")
	}
}

func (r *BroadcastRouter) retryWorker() {
	defer r.wg.Done()

	for {
		select {
		case ev := <-r.retryCh:
			r.retryWithBackoff(ev)
		case <-r.stopChan:
			return
		}
	}
}

func (r *BroadcastRouter) retryWithBackoff(ev models.OccupancyEvent) {
	backoff := r.config.BroadcastRetryBase

	for attempt := 0; attempt < r.config.BroadcastRetryLimit; attempt++ {
		select {
		case <-time.After(backoff):
		case <-r.stopChan:
			return
		}

		if err := r.publishRemote(context.Background(), ev); err == nil {
			monitoring.TrackBroadcast("retried")
			return
		}
		backoff *= 2
	}

	slog.Error("broadcast retries exhausted, dropping event",
		"gift_id", ev.GiftID, "version", ev.Version, "attempts", r.config.BroadcastRetryLimit)
	monitoring.TrackBroadcast("dropped")
}

func (r *BroadcastRouter) listenRemote() {
	defer r.wg.Done()

	ch := r.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var ev models.OccupancyEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("discarding malformed broadcast", "error", err)
				continue
			}
			if ev.Origin == r.instanceID {
				continue
			}
			r.deliverLocal(ev)
		case <-r.stopChan:
			return
		}
	}
}

// Shutdown stops the listener and retry worker and waits for them to drain.
func (r *BroadcastRouter) Shutdown() {
	close(r.stopChan)
	if r.pubsub != nil {
		r.pubsub.Close()
	}
	r.wg.Wait()
}
