package transport

import (
	"sync"

	"github.com/eapache/queue"
)

type eventKind int

const (
	eventMatch eventKind = iota
	eventMessage
	eventFlush
)

type event struct {
	kind    eventKind
	match   MatchEvent
	payload []byte
}

// Dispatcher serializes the callbacks of one session onto a single
// goroutine, in the order events were delivered to it. Producers never
// block and never run user callbacks themselves.
//
// Match events delivered before a MatchHandler is registered are kept
// and handed to the handler, in order, when it is registered. Messages
// delivered with no MessageHandler are dropped.
type Dispatcher struct {
	mu        sync.Mutex
	cond      *sync.Cond
	events    *queue.Queue
	closed    bool
	onMatch   MatchHandler
	onMessage MessageHandler
	backlog   []MatchEvent
	counters  *Counters
	done      chan struct{}
}

// NewDispatcher starts a dispatcher. counters may be nil; when set,
// delivered and dropped messages are counted there.
func NewDispatcher(counters *Counters) *Dispatcher {
	if counters == nil {
		counters = &Counters{}
	}

	d := &Dispatcher{
		events:   queue.New(),
		counters: counters,
		done:     make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)

	go d.loop()

	return d
}

// SetMatchHandler installs h and schedules replay of earlier events.
func (d *Dispatcher) SetMatchHandler(h MatchHandler) {
	d.mu.Lock()
	d.onMatch = h
	d.mu.Unlock()

	d.push(event{kind: eventFlush})
}

// SetMessageHandler installs h for subsequent messages.
func (d *Dispatcher) SetMessageHandler(h MessageHandler) {
	d.mu.Lock()
	d.onMessage = h
	d.mu.Unlock()
}

// HasMessageHandler reports whether a message handler is installed.
func (d *Dispatcher) HasMessageHandler() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.onMessage != nil
}

// DeliverMatch queues a match event.
func (d *Dispatcher) DeliverMatch(ev MatchEvent) {
	d.push(event{kind: eventMatch, match: ev})
}

// DeliverMessage queues a message. The dispatcher takes ownership of
// payload.
func (d *Dispatcher) DeliverMessage(payload []byte) {
	d.push(event{kind: eventMessage, payload: payload})
}

// Close stops delivery and waits for the dispatch goroutine to exit.
// Undelivered events are discarded. It must not be called from inside a
// callback.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done

		return
	}
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()

	<-d.done
}

func (d *Dispatcher) push(ev event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	d.events.Add(ev)
	d.cond.Signal()
}

func (d *Dispatcher) loop() {
	defer close(d.done)

	for {
		d.mu.Lock()
		for d.events.Length() == 0 && !d.closed {
			d.cond.Wait()
		}

		if d.closed {
			d.mu.Unlock()

			return
		}

		ev := d.events.Remove().(event)
		onMatch := d.onMatch
		onMessage := d.onMessage

		var replay []MatchEvent
		if onMatch != nil && len(d.backlog) > 0 {
			replay = d.backlog
			d.backlog = nil
		}

		if ev.kind == eventMatch && onMatch == nil {
			d.backlog = append(d.backlog, ev.match)
		}
		d.mu.Unlock()

		for _, m := range replay {
			onMatch(m)
		}

		switch ev.kind {
		case eventMatch:
			if onMatch != nil {
				onMatch(ev.match)
			}
		case eventMessage:
			if onMessage == nil {
				d.counters.AddDropped(1)

				continue
			}

			d.counters.AddDelivered(1)
			onMessage(ev.payload)
		case eventFlush:
		}
	}
}
