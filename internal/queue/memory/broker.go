// Package memory is an in-process queue broker. Published commands are
// recorded and emitted events fan out to every active subscription.
package memory

import (
	"context"
	"sync"

	"github.com/splax/statikk/internal/queue"
)

const defaultSubscriptionBuffer = 64

// Broker implements queue.Client without any network.
type Broker struct {
	mu         sync.Mutex
	commands   []queue.Command
	publishErr error
	subs       map[int]*subscription
	nextID     int
	buffer     int
	acked      int
	closed     bool
}

var _ queue.Client = (*Broker)(nil)

// subscription closes ch only after in-flight sends have observed done.
type subscription struct {
	ch       chan *queue.Delivery
	done     chan struct{}
	inflight sync.WaitGroup
}

func (s *subscription) end() {
	close(s.done)
	go func() {
		s.inflight.Wait()
		close(s.ch)
	}()
}

// NewBroker returns an empty broker. Each subscription buffers up to buffer
// events; a non-positive value selects the default.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	return &Broker{subs: make(map[int]*subscription), buffer: buffer}
}

// PublishCommand validates and records cmd.
func (b *Broker) PublishCommand(ctx context.Context, cmd queue.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	headers, err := queue.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}
	if b.publishErr != nil {
		return b.publishErr
	}
	decoded, err := queue.DecodeCommand(headers)
	if err != nil {
		return err
	}
	b.commands = append(b.commands, decoded)
	return nil
}

// ConsumeEvents opens a subscription that ends when ctx is cancelled, the
// subscription is dropped or the broker closes.
func (b *Broker) ConsumeEvents(ctx context.Context) (<-chan *queue.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, queue.ErrClosed
	}
	id := b.nextID
	b.nextID++
	sub := &subscription{ch: make(chan *queue.Delivery, b.buffer), done: make(chan struct{})}
	b.subs[id] = sub
	go func() {
		select {
		case <-ctx.Done():
			b.dropSubscription(id)
		case <-sub.done:
		}
	}()
	return sub.ch, nil
}

// Emit delivers an event to every subscription, as a worker would. It blocks
// while a subscription buffer is full.
func (b *Broker) Emit(ctx context.Context, ev queue.Event) error {
	headers, body := queue.EncodeEvent(ev)
	return b.EmitRaw(ctx, headers, body)
}

// EmitRaw delivers arbitrary headers and body, including malformed ones.
func (b *Broker) EmitRaw(ctx context.Context, headers map[string]string, body []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return queue.ErrClosed
	}
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		sub.inflight.Add(1)
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	var firstErr error
	for _, sub := range targets {
		if firstErr == nil {
			d := queue.NewDelivery(copyHeaders(headers), body, b.countAck)
			select {
			case sub.ch <- d:
			case <-sub.done:
			case <-ctx.Done():
				firstErr = ctx.Err()
			}
		}
		sub.inflight.Done()
	}
	return firstErr
}

// DropSubscriptions closes every open subscription channel, simulating a lost
// broker connection.
func (b *Broker) DropSubscriptions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.end()
	}
}

// Subscribers reports the number of open subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Commands returns a copy of every recorded command.
func (b *Broker) Commands() []queue.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]queue.Command, len(b.commands))
	copy(out, b.commands)
	return out
}

// Acked reports how many deliveries were acknowledged.
func (b *Broker) Acked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

// FailPublish makes subsequent publishes return err; nil restores success.
func (b *Broker) FailPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// Ping reports whether the broker is usable.
func (b *Broker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}
	return nil
}

// Close ends every subscription.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.DropSubscriptions()
	return nil
}

func (b *Broker) dropSubscription(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		sub.end()
	}
}

func (b *Broker) countAck() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked++
	return nil
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
