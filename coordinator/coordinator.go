package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yanet-platform/tgen/controlplane/dispatch"
	"github.com/yanet-platform/tgen/coordinator/internal/api"
	"github.com/yanet-platform/tgen/coordinator/internal/profile"
	"github.com/yanet-platform/tgen/dataplane/capture"
	"github.com/yanet-platform/tgen/dataplane/node"
	"github.com/yanet-platform/tgen/dataplane/tx"
	"github.com/yanet-platform/tgen/dataplane/worker"
)

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// CoordinatorOption is a function that configures the coordinator.
type CoordinatorOption func(*options)

// WithLog sets the logger for the coordinator.
func WithLog(log *zap.SugaredLogger) CoordinatorOption {
	return func(o *options) {
		o.Log = log
	}
}

// Coordinator is the main orchestration component: it compiles the profile,
// owns the workers and talks to them through their mailboxes.
type Coordinator struct {
	cfg        *Config
	session    string
	start      time.Time
	plans      []profile.Plan
	owners     map[uint8]int
	workers    []*worker.Thread
	dispatcher *dispatch.Dispatcher
	registry   *prometheus.Registry
	sink       tx.Transmitter
	closer     io.Closer
	log        *zap.SugaredLogger
}

// NewCoordinator creates a new coordinator using the provided configuration.
func NewCoordinator(cfg *Config, options ...CoordinatorOption) (*Coordinator, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	session := uuid.NewString()
	log := opts.Log.With(zap.String("session", session))
	log.Infow("initializing traffic generator", zap.Any("config", cfg))

	plans, err := profile.Compile(&cfg.Profile, len(cfg.Cores))
	if err != nil {
		return nil, fmt.Errorf("failed to compile profile: %w", err)
	}

	m := &Coordinator{
		cfg:      cfg,
		session:  session,
		start:    time.Now(),
		plans:    plans,
		owners:   map[uint8]int{},
		registry: prometheus.NewRegistry(),
		sink:     tx.Discard{},
		log:      log,
	}

	if cfg.Output != "" {
		sink, err := tx.CreatePcap(cfg.Output, m.start)
		if err != nil {
			return nil, fmt.Errorf("failed to open output: %w", err)
		}
		m.sink = sink
		m.closer = sink
	}

	metrics, err := tx.NewMetrics(m.registry, session)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	mailboxes := make([]dispatch.Mailbox, 0, len(cfg.Cores))
	for idx, core := range cfg.Cores {
		plan := plans[idx]

		wcfg := cfg.Worker
		wcfg.ID = idx
		wcfg.CPU = core.CPU
		wcfg.Socket = core.Socket
		// Initial commands are queued before the worker runs.
		wcfg.Mailbox = max(wcfg.Mailbox, len(plan.Ports)+len(plan.Replays))

		threadOpts := []worker.ThreadOption{
			worker.WithLog(log),
			worker.WithMetrics(metrics),
		}
		if cfg.Clock == ClockRealtime {
			threadOpts = append(threadOpts, worker.WithClock(worker.NewRealtimeClock(m.start)))
		}

		w, err := worker.NewThread(wcfg, plan.Program, m.sink, threadOpts...)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to create worker %d: %w", idx, err)
		}
		m.workers = append(m.workers, w)
		mailboxes = append(mailboxes, w.Mailbox())

		for _, port := range plan.Ports {
			m.owners[port] = idx
		}
		for _, r := range plan.Replays {
			m.owners[r.Config.Port] = idx
		}
		if plan.Program != nil {
			for _, cycle := range plan.Program.Cycles() {
				log.Infow("stream program loops",
					zap.Int("worker", idx),
					zap.Any("streams", cycle),
				)
			}
		}
	}

	m.dispatcher = dispatch.NewDispatcher(cfg.Dispatch, mailboxes, dispatch.WithLog(log))

	return m, nil
}

// Session returns the run identifier.
func (m *Coordinator) Session() string {
	return m.session
}

// Run starts the traffic and waits for the workers to finish.
func (m *Coordinator) Run(ctx context.Context) error {
	m.log.Info("running traffic generator")
	defer m.log.Info("stopped traffic generator")

	if err := m.startTraffic(ctx); err != nil {
		return fmt.Errorf("failed to start traffic: %w", err)
	}

	wg, ctx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()

	wg.Go(func() error {
		defer stopServing()
		return m.runWorkers(ctx)
	})
	wg.Go(func() error {
		m.watchEvents(serveCtx)
		return nil
	})
	if m.cfg.Metrics.Endpoint != "" {
		router := api.NewRouter(m, m.registry, m.log)
		server := api.NewServer(m.cfg.Metrics.Endpoint, router, m.log)
		wg.Go(func() error {
			return server.Run(serveCtx)
		})
	}

	if err := wg.Wait(); err != nil {
		return err
	}

	m.logSummary()
	return nil
}

// startTraffic queues the start commands of every port and replay.
func (m *Coordinator) startTraffic(ctx context.Context) error {
	duration := m.cfg.Duration.Seconds()

	for idx, plan := range m.plans {
		for _, port := range plan.Ports {
			if err := m.dispatcher.Send(ctx, idx, worker.Start(port, duration)); err != nil {
				return err
			}
		}

		for _, r := range plan.Replays {
			reader, err := capture.Open(r.File)
			if err != nil {
				return fmt.Errorf("failed to open capture %q: %w", r.File, err)
			}
			if err := m.dispatcher.Send(ctx, idx, worker.Replay(reader, r.Config, duration)); err != nil {
				reader.Close()
				return err
			}
		}
	}

	return nil
}

func (m *Coordinator) runWorkers(ctx context.Context) error {
	wg, ctx := errgroup.WithContext(ctx)
	for _, w := range m.workers {
		wg.Go(func() error {
			return w.Run(ctx)
		})
	}
	return wg.Wait()
}

// watchEvents logs worker notifications until ctx is done.
func (m *Coordinator) watchEvents(ctx context.Context) {
	wg := errgroup.Group{}
	for _, w := range m.workers {
		wg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev := <-w.Events():
					m.logEvent(ev)
				}
			}
		})
	}
	wg.Wait()
}

func (m *Coordinator) logEvent(ev worker.Event) {
	fields := []any{
		zap.Int("worker", ev.Worker),
		zap.Stringer("event", ev.Kind),
		zap.Uint8("port", ev.Port),
		zap.Float64("time", ev.Time),
	}

	if ev.Err != nil {
		m.log.Warnw("worker reported a failure", append(fields, zap.Error(ev.Err))...)
		return
	}
	m.log.Infow("worker reported an event", fields...)
}

func (m *Coordinator) logSummary() {
	elapsed := time.Since(m.start)

	var totalPackets, totalBytes uint64
	for _, w := range m.workers {
		stats := w.Stats()
		totalPackets += stats.Packets
		totalBytes += stats.Bytes

		m.log.Infow("worker summary",
			zap.Int("worker", w.ID()),
			zap.String("packets", humanize.Comma(int64(stats.Packets))),
			zap.String("bytes", humanize.Bytes(stats.Bytes)),
			zap.Uint64("reclaimed", stats.Reclaimed),
			zap.Uint64("alloc_failures", stats.AllocFailures),
			zap.Uint64("tx_errors", stats.TxErrors),
		)
	}

	m.log.Infow("traffic summary",
		zap.String("packets", humanize.Comma(int64(totalPackets))),
		zap.String("bytes", humanize.Bytes(totalBytes)),
		zap.String("rate", humanize.SIWithDigits(float64(totalPackets)/elapsed.Seconds(), 2, "pps")),
		zap.Duration("elapsed", elapsed),
	)
}

// Close releases the output.
func (m *Coordinator) Close() error {
	if m.closer != nil {
		return m.closer.Close()
	}

	return nil
}

////////////////////////////////////////////////////////////////////////////////

var _ api.Controller = (*Coordinator)(nil)

func (m *Coordinator) owner(port uint8) (int, error) {
	idx, ok := m.owners[port]
	if !ok {
		return 0, fmt.Errorf("port %d: %w", port, api.ErrUnknownPort)
	}
	return idx, nil
}

// Status implements api.Controller.
func (m *Coordinator) Status() api.Status {
	status := api.Status{
		Session: m.session,
		Uptime:  time.Since(m.start).Round(time.Millisecond).String(),
	}
	for _, w := range m.workers {
		stats := w.Stats()
		status.Workers = append(status.Workers, api.WorkerStatus{
			ID:            w.ID(),
			Packets:       stats.Packets,
			Bytes:         stats.Bytes,
			Reclaimed:     stats.Reclaimed,
			AllocFailures: stats.AllocFailures,
			TxErrors:      stats.TxErrors,
		})
	}
	return status
}

// UpdateRate implements api.Controller.
func (m *Coordinator) UpdateRate(ctx context.Context, port uint8, factor float64) error {
	idx, err := m.owner(port)
	if err != nil {
		return err
	}
	return m.dispatcher.Send(ctx, idx, worker.UpdateRate(port, factor))
}

// Pause implements api.Controller.
func (m *Coordinator) Pause(ctx context.Context, port uint8, pause bool) error {
	idx, err := m.owner(port)
	if err != nil {
		return err
	}
	return m.dispatcher.Send(ctx, idx, worker.Pause(port, pause))
}

// Stop implements api.Controller.
func (m *Coordinator) Stop(ctx context.Context, port uint8) error {
	idx, err := m.owner(port)
	if err != nil {
		return err
	}
	return m.dispatcher.Send(ctx, idx, worker.Stop(port))
}

// StopAll implements api.Controller.
func (m *Coordinator) StopAll(ctx context.Context) error {
	return m.dispatcher.Broadcast(ctx, func(int) node.Command {
		return worker.StopAll()
	})
}

// Dump implements api.Controller.
//
// The worker writes into a private buffer, so that w is never touched after
// Dump returns.
func (m *Coordinator) Dump(ctx context.Context, idx int, w io.Writer) error {
	if m.cfg.Dispatch.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Dispatch.Timeout)
		defer cancel()
	}

	buf := &bytes.Buffer{}
	done := make(chan struct{})
	if err := m.dispatcher.Send(ctx, idx, worker.Dump(buf, done)); err != nil {
		return err
	}

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for worker %d dump: %w", idx, ctx.Err())
	}

	if _, err := buf.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write dump: %w", err)
	}
	return nil
}
