// Package dispatch delivers control-plane commands to worker mailboxes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/yanet-platform/tgen/dataplane/node"
	"github.com/yanet-platform/tgen/dataplane/worker"
)

// Config is the dispatcher configuration.
type Config struct {
	// InitialInterval is the first delay after a full mailbox.
	InitialInterval time.Duration `yaml:"initial_interval"`
	// MaxInterval caps the delay between attempts.
	MaxInterval time.Duration `yaml:"max_interval"`
	// Timeout bounds the delivery of a single command.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     100 * time.Millisecond,
		Timeout:         5 * time.Second,
	}
}

// Mailbox accepts commands without blocking.
type Mailbox interface {
	TrySend(cmd node.Command) error
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// DispatcherOption is a function that configures the Dispatcher.
type DispatcherOption func(*options)

// WithLog sets the logger.
func WithLog(log *zap.SugaredLogger) DispatcherOption {
	return func(o *options) {
		o.Log = log
	}
}

// Dispatcher sends commands to workers, waiting out full mailboxes.
type Dispatcher struct {
	cfg       Config
	mailboxes []Mailbox
	log       *zap.SugaredLogger
}

// NewDispatcher creates a dispatcher over the worker mailboxes, indexed by
// worker ID.
func NewDispatcher(cfg Config, mailboxes []Mailbox, options ...DispatcherOption) *Dispatcher {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Dispatcher{
		cfg:       cfg,
		mailboxes: mailboxes,
		log:       opts.Log,
	}
}

// Len returns the number of workers.
func (m *Dispatcher) Len() int {
	return len(m.mailboxes)
}

// Send delivers the command to the worker.
func (m *Dispatcher) Send(ctx context.Context, workerID int, cmd node.Command) error {
	if workerID < 0 || workerID >= len(m.mailboxes) {
		return fmt.Errorf("failed to send command: no worker %d", workerID)
	}
	mailbox := m.mailboxes[workerID]

	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	b := backoff.ExponentialBackOff{
		InitialInterval:     m.cfg.InitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         m.cfg.MaxInterval,
	}
	b.Reset()

	for attempt := 1; ; attempt++ {
		err := mailbox.TrySend(cmd)
		if err == nil {
			return nil
		}
		if !errors.Is(err, worker.ErrMailboxFull) {
			return fmt.Errorf("failed to send command to worker %d: %w", workerID, err)
		}

		delay := b.NextBackOff()
		m.log.Debugw("worker mailbox is full, retrying",
			zap.Int("worker", workerID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to send command to worker %d after %d attempts: %w", workerID, attempt, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// Broadcast sends the command built by fn to every worker.
func (m *Dispatcher) Broadcast(ctx context.Context, fn func(workerID int) node.Command) error {
	for idx := range m.mailboxes {
		if err := m.Send(ctx, idx, fn(idx)); err != nil {
			return err
		}
	}
	return nil
}
