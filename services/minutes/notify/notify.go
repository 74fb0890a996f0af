package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/xilidan/minutes/services/minutes/entity"
)

// Publisher announces committed status transitions.
type Publisher interface {
	Publish(ctx context.Context, ev entity.StatusEvent) error
}

const subscriberBuffer = 16

type subscriber struct {
	meetingID string
	ch        chan entity.StatusEvent
}

// Broker fans status events out to in-process subscribers. Slow subscribers
// miss events rather than stall the pipeline.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*subscriber)}
}

// Subscribe returns events for meetingID, or for every meeting when
// meetingID is empty. The channel is closed by cancel or Close.
func (b *Broker) Subscribe(meetingID string) (<-chan entity.StatusEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan entity.StatusEvent, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{meetingID: meetingID, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

func (b *Broker) Publish(_ context.Context, ev entity.StatusEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		if s.meetingID != "" && s.meetingID != ev.MeetingID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
	return nil
}

func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

type fanout []Publisher

// Fanout publishes to every non-nil publisher and joins their errors.
func Fanout(publishers ...Publisher) Publisher {
	var f fanout
	for _, p := range publishers {
		if p != nil {
			f = append(f, p)
		}
	}
	return f
}

func (f fanout) Publish(ctx context.Context, ev entity.StatusEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
