package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var ErrNoRecipients = errors.New("no recipients")

// PartialError reports a multi-recipient send that stopped part way.
// Pending holds the recipients not yet delivered, the failed one first.
type PartialError struct {
	Pending []string
	Err     error
}

func (e *PartialError) Error() string { return e.Err.Error() }
func (e *PartialError) Unwrap() error { return e.Err }

func partial(to []string, i int, err error) error {
	return &PartialError{Pending: append([]string(nil), to[i:]...), Err: err}
}

// Sender delivers a payload over one transport.
type Sender interface {
	Send(ctx context.Context, p Payload) error
}

type SenderFunc func(ctx context.Context, p Payload) error

func (f SenderFunc) Send(ctx context.Context, p Payload) error { return f(ctx, p) }

type Options struct {
	// Timeout bounds one Dispatch call, retries included.
	Timeout time.Duration
	// RetryMax is the number of extra attempts after a failed send.
	RetryMax  int
	RetryBase time.Duration
	// RatePerSec limits sends per channel. Zero disables limiting.
	RatePerSec int
}

type route struct {
	sender  Sender
	limiter *rate.Limiter
}

// Dispatcher routes payloads to the sender registered for their channel and
// reduces the outcome to a bool. It never returns an error or panics to the
// caller. It is safe for concurrent use.
type Dispatcher struct {
	mu     sync.RWMutex
	routes map[string]route
	opts   Options
	log    zerolog.Logger
}

func NewDispatcher(opts Options, log zerolog.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	return &Dispatcher{
		routes: map[string]route{},
		opts:   opts,
		log:    log.With().Str("comp", "dispatcher").Logger(),
	}
}

func (d *Dispatcher) newRoute(s Sender) route {
	r := route{sender: s}
	if d.opts.RatePerSec > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(d.opts.RatePerSec), d.opts.RatePerSec)
	}
	return r
}

// Register adds or replaces the sender for channel.
func (d *Dispatcher) Register(channel string, s Sender) {
	d.mu.Lock()
	d.routes[channel] = d.newRoute(s)
	d.mu.Unlock()
}

// Apply swaps the whole channel table, e.g. after the transports file changed.
func (d *Dispatcher) Apply(senders map[string]Sender) {
	routes := make(map[string]route, len(senders))
	for ch, s := range senders {
		routes[ch] = d.newRoute(s)
	}
	d.mu.Lock()
	d.routes = routes
	d.mu.Unlock()
}

func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.routes))
	for ch := range d.routes {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Dispatch delivers p and reports whether it succeeded. Unknown channels,
// sender errors, panics and timeouts all yield false.
func (d *Dispatcher) Dispatch(ctx context.Context, p Payload) bool {
	d.mu.RLock()
	r, ok := d.routes[p.Channel]
	d.mu.RUnlock()

	log := d.log.With().Str("reminder_id", p.ReminderID).Str("channel", p.Channel).Logger()
	if !ok {
		log.Warn().Msg("no sender for channel")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("sender panic: %v", rec)
			}
		}()
		done <- d.deliver(ctx, r, p)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("dispatch failed")
			return false
		}
		log.Debug().Msg("dispatched")
		return true
	case <-ctx.Done():
		log.Error().Err(ctx.Err()).Dur("timeout", d.opts.Timeout).Msg("dispatch timed out")
		return false
	}
}

func (d *Dispatcher) deliver(ctx context.Context, r route, p Payload) error {
	var err error
	for attempt := 0; attempt <= d.opts.RetryMax; attempt++ {
		if attempt > 0 {
			backoff := d.opts.RetryBase << (attempt - 1)
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
			case <-t.C:
			}
		}
		if r.limiter != nil {
			if werr := r.limiter.Wait(ctx); werr != nil {
				return werr
			}
		}
		if err = r.sender.Send(ctx, p); err == nil {
			return nil
		}
		if errors.Is(err, ErrNoRecipients) {
			return err
		}
		// retry only those that did not get it
		var pe *PartialError
		if errors.As(err, &pe) && len(pe.Pending) > 0 {
			p.Recipients = pe.Pending
		}
	}
	return err
}
