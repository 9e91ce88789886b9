package broadcast

import (
	"context"
	"log/slog"
	"sync"
)

// Publisher queues an announcement without waiting for delivery.
type Publisher interface {
	Publish(text string)
}

// Dispatcher delivers published announcements in order on a background
// goroutine, so the control loop never blocks on a channel.
type Dispatcher struct {
	log    *slog.Logger
	sender Sender

	mu     sync.Mutex
	closed bool
	queue  chan string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDispatcher(log *slog.Logger, sender Sender, size int) *Dispatcher {
	if size <= 0 {
		size = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		log:    log,
		sender: sender,
		queue:  make(chan string, size),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for text := range d.queue {
		d.deliver(text)
	}
}

func (d *Dispatcher) deliver(text string) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("broadcast: sender panicked", "panic", r)
		}
	}()
	if d.ctx.Err() != nil {
		d.log.Warn("broadcast: dropping announcement after shutdown", "text", text)
		return
	}
	d.sender.Send(d.ctx, text)
}

// Publish queues text. When the queue is full or the dispatcher is closed
// the announcement is dropped and logged.
func (d *Dispatcher) Publish(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.log.Warn("broadcast: publish after close, dropping", "text", text)
		return
	}
	select {
	case d.queue <- text:
	default:
		d.log.Error("broadcast: queue full, dropping announcement", "text", text)
	}
}

// Close stops accepting announcements and drains the queue. If ctx expires
// first, in-flight deliveries are cancelled and the rest dropped.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-d.done
		return ctx.Err()
	}
}
