package engine

import (
	"context"
	"log/slog"
	"reflect"
	"time"

	"roomlab/contract"
	"roomlab/domain/event"
	"roomlab/observability"
)

// Broadcaster fans one accepted event out to participant sinks in the
// order the session assigned it. It runs inside the session goroutine, so
// per-recipient delivery order is exactly assignment order; it never
// retries a failing recipient in place, it reports it for disconnection.
type Broadcaster struct {
	log             *slog.Logger
	deliveryTimeout time.Duration
	metrics         *observability.EngineMetrics
}

func NewBroadcaster(log *slog.Logger, deliveryTimeout time.Duration, metrics *observability.EngineMetrics) *Broadcaster {
	return &Broadcaster{log: log, deliveryTimeout: deliveryTimeout, metrics: metrics}
}

// Broadcast delivers evt to every sink in the table. Enqueueing into a
// connection sink is bounded by the delivery timeout; a sink that stays
// full past it is reported back so the session can drop the slow client.
// Permanent sinks (archive, projections) receive the event afterwards and
// their failures are logged, never fatal.
func (b *Broadcaster) Broadcast(ctx context.Context, evt event.Event, sinks map[string]contract.EventSink, permanent []contract.EventSink) []string {
	b.metrics.Broadcast(eventKind(evt))

	var failed []string
	for userID, sink := range sinks {
		deliverCtx, cancel := context.WithTimeout(ctx, b.deliveryTimeout)
		err := sink.Consume(deliverCtx, evt)
		cancel()
		if err != nil {
			b.log.Warn("Participant sink rejected event, scheduling disconnect",
				"user_id", userID,
				"event", eventKind(evt),
				"error", err)
			failed = append(failed, userID)
		}
	}

	for _, sink := range permanent {
		deliverCtx, cancel := context.WithTimeout(ctx, b.deliveryTimeout)
		if err := sink.Consume(deliverCtx, evt); err != nil {
			b.log.Warn("Permanent sink rejected event",
				"sink", reflect.TypeOf(sink).String(),
				"event", eventKind(evt),
				"error", err)
		}
		cancel()
	}
	return failed
}

func eventKind(e event.Event) string {
	t := reflect.TypeOf(e)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
