// Package notify delivers operator-facing events: rejections, halt transitions,
// consistency failures and lifecycle changes. Delivery is asynchronous so callers inside
// the execution lock never block on a slow channel.
package notify

import (
	"context"
	"time"

	"github.com/alitto/pond"
	logger "github.com/sirupsen/logrus"
)

type Kind string

const (
	KindRejection   Kind = "rejection"
	KindHalt        Kind = "halt"
	KindResume      Kind = "resume"
	KindConsistency Kind = "consistency"
	KindValidation  Kind = "validation"
	KindDeploy      Kind = "deploy"
	KindRollback    Kind = "rollback"
	KindCandidate   Kind = "candidate"
	KindEmergency   Kind = "emergency"
	KindPaused      Kind = "paused"
	KindError       Kind = "error"
)

// Event is one notification. Fields carry the concrete reason in machine-readable form.
type Event struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
	At      time.Time              `json:"at"`
}

// Publisher is what the engine depends on.
type Publisher interface {
	Publish(e Event)
}

// Channel is one delivery target.
type Channel interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

// Dispatcher fans events out to every channel on a bounded worker pool.
type Dispatcher struct {
	pool     *pond.WorkerPool
	channels []Channel
	timeout  time.Duration
}

// NewDispatcher starts a pool of workers with room for capacity queued deliveries.
func NewDispatcher(workers, capacity int, timeout time.Duration, channels ...Channel) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 64
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pool := pond.New(
		workers,
		capacity,
		pond.MinWorkers(1),
		pond.PanicHandler(func(p interface{}) {
			logger.WithField("component", "notify").Errorf("notification channel panic: %v", p)
		}),
	)
	return &Dispatcher{pool: pool, channels: channels, timeout: timeout}
}

// NewFromConfig wires the log channel and, when configured, the webhook channel.
func NewFromConfig(cfg Config) *Dispatcher {
	channels := []Channel{LogChannel{}}
	if cfg.WebhookURL != "" {
		channels = append(channels, NewWebhookChannel(cfg.WebhookURL, cfg.WebhookTimeout))
	}
	return NewDispatcher(cfg.Workers, cfg.QueueCapacity, cfg.WebhookTimeout, channels...)
}

// Publish never blocks. A full queue drops the delivery and logs it.
func (d *Dispatcher) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	for _, ch := range d.channels {
		ch := ch
		ok := d.pool.TrySubmit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := ch.Send(ctx, e); err != nil {
				logger.WithFields(map[string]interface{}{
					"component": "notify",
					"channel":   ch.Name(),
					"kind":      e.Kind,
				}).WithError(err).Warn("notification delivery failed")
			}
		})
		if !ok {
			logger.WithFields(map[string]interface{}{
				"component": "notify",
				"channel":   ch.Name(),
				"kind":      e.Kind,
			}).Warn("notification queue full, event dropped")
		}
	}
}

// Stop drains queued deliveries.
func (d *Dispatcher) Stop() {
	d.pool.StopAndWait()
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}

// Recorder keeps events in memory; used by tests and the /controls responses.
type Recorder struct {
	ch chan Event
}

func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Publish(e Event) {
	select {
	case r.ch <- e:
	default:
	}
}

// Drain returns every event recorded so far.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
