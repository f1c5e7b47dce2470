package webhooks

import (
	"log"

	"github.com/generativebots/acp-backend/internal/events"
)

// Forwarder bridges the in-process event bus onto webhook subscribers. The
// worker and agent paths publish to the bus only; the forwarder subscribes to
// every event and hands each one to the configured dispatcher, so emitters
// never block on webhook delivery.
type Forwarder struct {
	bus     *events.Bus
	emitter WebhookEmitter
	ch      chan *events.Event
	done    chan struct{}
	logger  *log.Logger
}

// NewForwarder creates a forwarder between bus and emitter. Call Start to
// begin forwarding.
func NewForwarder(bus *events.Bus, emitter WebhookEmitter) *Forwarder {
	return &Forwarder{
		bus:     bus,
		emitter: emitter,
		logger:  log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
	}
}

// Start subscribes to the bus and forwards events until Stop is called.
func (f *Forwarder) Start() {
	if f.ch != nil {
		return
	}
	f.ch = f.bus.Subscribe()
	f.done = make(chan struct{})

	go func(ch chan *events.Event, done chan struct{}) {
		defer close(done)
		for evt := range ch {
			f.emitter.Forward(evt)
		}
	}(f.ch, f.done)

	f.logger.Printf("📡 Forwarding control-plane events to webhook subscribers")
}

// Stop unsubscribes from the bus and waits for in-flight forwards to finish.
func (f *Forwarder) Stop() {
	if f.ch == nil {
		return
	}
	f.bus.Unsubscribe(f.ch)
	<-f.done
	f.ch = nil
}
