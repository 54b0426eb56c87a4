package bus

import (
	"context"
	"sync"
)

// Event is one captured publish or broadcast.
type Event struct {
	Exchange   string
	RoutingKey string
	Body       any
}

// Recorder implements bus.Publisher for tests, capturing events instead
// of writing to Redis. Set PublishErr or BroadcastErr to simulate a bus
// outage.
type Recorder struct {
	mu           sync.Mutex
	published    []Event
	broadcasts   []Event
	PublishErr   error
	BroadcastErr error
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.PublishErr != nil {
		return r.PublishErr
	}
	r.published = append(r.published, Event{Exchange: exchange, RoutingKey: routingKey, Body: body})
	return nil
}

func (r *Recorder) Broadcast(ctx context.Context, exchange string, body any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.BroadcastErr != nil {
		return r.BroadcastErr
	}
	r.broadcasts = append(r.broadcasts, Event{Exchange: exchange, Body: body})
	return nil
}

// Published returns all captured publishes, optionally filtered by
// routing key.
func (r *Recorder) Published(routingKey string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if routingKey == "" {
		return append([]Event(nil), r.published...)
	}
	var out []Event
	for _, e := range r.published {
		if e.RoutingKey == routingKey {
			out = append(out, e)
		}
	}
	return out
}

// Broadcasts returns all captured broadcasts.
func (r *Recorder) Broadcasts() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.broadcasts...)
}
