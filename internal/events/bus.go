// Package events carries the core's outbound lifecycle feed. Delivery
// is ordered per publisher and at-least-once; consumers deduplicate by
// event id.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dunmininu/oms-trading/internal/types"
)

// Bus fans events out to subscribers over buffered channels. Publish
// never blocks the emitting component: a subscriber that falls behind
// has its oldest event dropped and redelivery left to its own replay,
// which is why consumers must be idempotent.
type Bus struct {
	mu   sync.RWMutex
	subs []chan types.LifecycleEvent
	size int
}

// NewBus creates a bus whose subscriber channels buffer size events.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = 256
	}
	return &Bus{size: size}
}

// Subscribe registers a new consumer and returns its channel.
func (b *Bus) Subscribe() <-chan types.LifecycleEvent {
	ch := make(chan types.LifecycleEvent, b.size)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish assigns the event an id and timestamp and delivers it to all
// subscribers in publish order.
func (b *Bus) Publish(eventType, tenantID, accountID string, payload interface{}) types.LifecycleEvent {
	ev := types.LifecycleEvent{
		EventID:   uuid.New().String(),
		Type:      eventType,
		TenantID:  tenantID,
		AccountID: accountID,
		Payload:   payload,
		EmittedAt: time.Now().UTC(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow consumer: drop the oldest event to keep ordering of
			// what remains, then deliver.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
				log.Warn().Str("event_type", eventType).Msg("dropping lifecycle event for slow subscriber")
			}
		}
	}
	return ev
}
