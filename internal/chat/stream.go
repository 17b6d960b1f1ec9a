package chat

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/akmatori/opsrelay/internal/services"
)

// Stream defaults
const (
	DefaultCoalesceWindow   = 50 * time.Millisecond
	DefaultCoalesceMaxBytes = 256
	DefaultKeepAlive        = 15 * time.Second
)

// Sink writes events to one client connection. Only the stream producer
// calls it.
type Sink interface {
	Send(Event) error
	KeepAlive() error
}

// StreamOptions tunes coalescing and keep-alives
type StreamOptions struct {
	CoalesceWindow   time.Duration
	CoalesceMaxBytes int
	KeepAlive        time.Duration
}

func (o *StreamOptions) applyDefaults() {
	if o.CoalesceWindow <= 0 {
		o.CoalesceWindow = DefaultCoalesceWindow
	}
	if o.CoalesceMaxBytes <= 0 {
		o.CoalesceMaxBytes = DefaultCoalesceMaxBytes
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = DefaultKeepAlive
	}
}

// Stream is the single producer of a connection. Emit hands events to it;
// deltas are merged for up to CoalesceWindow or CoalesceMaxBytes before they
// are written. Order is preserved.
type Stream struct {
	sink   Sink
	opts   StreamOptions
	events chan Event
	done   chan struct{}

	closeOnce sync.Once
	err       error
}

// NewStream starts the producer goroutine. Call Close to flush and stop it.
func NewStream(ctx context.Context, sink Sink, opts StreamOptions) *Stream {
	opts.applyDefaults()
	s := &Stream{
		sink:   sink,
		opts:   opts,
		events: make(chan Event),
		done:   make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Emit queues an event. It fails with ErrStreamInterrupted once the
// connection is gone. Emit must not be called after Close.
func (s *Stream) Emit(ctx context.Context, ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return services.ErrStreamInterrupted
	case <-ctx.Done():
		return services.ErrStreamInterrupted
	}
}

// Close flushes pending deltas, stops the producer and returns the first
// write error
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	<-s.done
	return s.err
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)

	keepAlive := time.NewTicker(s.opts.KeepAlive)
	defer keepAlive.Stop()

	flushTimer := time.NewTimer(s.opts.CoalesceWindow)
	flushTimer.Stop()
	defer flushTimer.Stop()

	var pending *DeltaData
	var buf strings.Builder

	flush := func() bool {
		if pending == nil {
			return true
		}
		d := *pending
		d.Delta = buf.String()
		pending = nil
		buf.Reset()
		flushTimer.Stop()
		return s.write(Event{Type: EventAssistantDelta, Data: d})
	}

	for {
		select {
		case <-ctx.Done():
			s.fail(ctx.Err())
			return

		case ev, ok := <-s.events:
			if !ok {
				flush()
				return
			}
			if d, isDelta := ev.Data.(DeltaData); isDelta && ev.Type == EventAssistantDelta {
				if pending != nil && pending.ID != d.ID && !flush() {
					return
				}
				if pending == nil {
					p := d
					pending = &p
					flushTimer.Reset(s.opts.CoalesceWindow)
				}
				buf.WriteString(d.Delta)
				if buf.Len() >= s.opts.CoalesceMaxBytes && !flush() {
					return
				}
				continue
			}
			if !flush() || !s.write(ev) {
				return
			}

		case <-flushTimer.C:
			if !flush() {
				return
			}

		case <-keepAlive.C:
			if err := s.sink.KeepAlive(); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

func (s *Stream) write(ev Event) bool {
	if s.err != nil {
		return false
	}
	if err := s.sink.Send(ev); err != nil {
		s.fail(err)
		return false
	}
	return true
}

func (s *Stream) fail(err error) {
	if s.err == nil {
		s.err = err
		log.Printf("Chat stream: connection closed: %v", err)
	}
}
