package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"presencenet/internal/core/domain"
	"presencenet/internal/core/ports"
	"presencenet/pkg/retry"

	"go.uber.org/zap"
)

// EngineConfig carries the per-session policy knobs. All durations are
// externally supplied; see pkg/config for the defaults.
type EngineConfig struct {
	Self  domain.UserID
	Name  string
	Email string

	LivenessWindow    time.Duration
	GracePeriod       time.Duration
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	SampleRate        float64
	Palette           []string

	// DepartureTimeout bounds the best-effort final departure flush.
	DepartureTimeout time.Duration
}

// Engine is the presence synchronization engine for one session. It
// owns the sampler, the reconciler and the store, runs the single event
// loop that serializes every mutation, and speaks to the other
// participants through an injected transport. One engine per session;
// never shared across sessions.
type Engine struct {
	cfg        EngineConfig
	store      ports.PresenceRepository
	transport  ports.Transport
	reconciler *Reconciler
	sampler    *CursorSampler
	logger     *zap.SugaredLogger

	seq      atomic.Uint64
	lastSent atomic.Int64 // unix nanos of the last outbound envelope
	started  atomic.Bool

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewEngine(
	cfg EngineConfig,
	store ports.PresenceRepository,
	transport ports.Transport,
	metrics ports.PresenceMetrics,
	logger *zap.SugaredLogger,
) *Engine {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.DepartureTimeout <= 0 {
		cfg.DepartureTimeout = 2 * time.Second
	}

	colors := NewColorAllocator(cfg.Palette)
	return &Engine{
		cfg:       cfg,
		store:     store,
		transport: transport,
		reconciler: NewReconciler(
			store, colors, cfg.Self,
			cfg.LivenessWindow, cfg.GracePeriod,
			metrics, logger,
		),
		sampler: NewCursorSampler(cfg.SampleRate),
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start announces the local user and launches the event loop. The loop
// exits when ctx is cancelled or Close is called.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		e.cancel = cancel
		e.started.Store(true)

		// First announcement carries the label fields and the locally
		// chosen color claim. Remote peers recompute colors themselves.
		announce := &domain.Envelope{
			UserID:   e.cfg.Self,
			Sequence: e.seq.Add(1),
			Kind:     domain.KindUpdate,
			Name:     e.cfg.Name,
			Email:    e.cfg.Email,
			Color:    e.reconciler.AllocateLocalColor(),
		}
		if err := e.send(loopCtx, announce); err != nil {
			e.logger.Warnw("initial announcement failed", "error", err)
		}

		go e.run(loopCtx)
	})
}

// MoveCursor feeds one raw pointer event into the sampler. When the
// rate budget allows, the position goes out immediately; otherwise it
// stays pending for the next flush tick.
func (e *Engine) MoveCursor(ctx context.Context, pos domain.CursorPosition) {
	if !e.sampler.Observe(pos) {
		return
	}
	e.sendCursor(ctx, pos)
}

// Snapshot returns the current consistent view of remote participants.
func (e *Engine) Snapshot(ctx context.Context) []*domain.UserPresence {
	return e.store.Snapshot(ctx)
}

// Subscribe registers a listener notified after every committed store
// change. The rendering layer is the expected subscriber.
func (e *Engine) Subscribe(fn func(snapshot []*domain.UserPresence)) (unsubscribe func()) {
	return e.store.Subscribe(fn)
}

// Close flushes a final departure notice best-effort and tears the
// engine down. It never blocks on delivery confirmation.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DepartureTimeout)
		defer cancel()

		if pos, ok := e.sampler.Drain(); ok {
			e.sendCursor(ctx, pos)
		}

		departure := &domain.Envelope{
			UserID:   e.cfg.Self,
			Sequence: e.seq.Add(1),
			Kind:     domain.KindDeparture,
		}
		cfg := retry.DefaultConfig()
		cfg.MaxAttempts = 2
		cfg.InitialDelay = 50 * time.Millisecond
		if err := retry.Retry(ctx, cfg, func() error {
			return e.transport.Send(ctx, departure)
		}); err != nil {
			// Presence is self-healing: peers will evict us by timeout.
			e.logger.Debugw("departure flush failed", "error", err)
		}

		if e.cancel != nil {
			e.cancel()
		}
		_ = e.transport.Close()

		if !e.started.Load() {
			close(e.done)
		}
	})

	<-e.done
	return nil
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	flushEvery := time.Second / time.Duration(maxRate(e.cfg.SampleRate))
	flushTicker := time.NewTicker(flushEvery)
	heartbeatTicker := time.NewTicker(e.cfg.HeartbeatInterval)
	sweepTicker := time.NewTicker(e.cfg.SweepInterval)
	defer flushTicker.Stop()
	defer heartbeatTicker.Stop()
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case env, ok := <-e.transport.Inbound():
			if !ok {
				e.logger.Infow("transport closed, stopping engine", "user_id", e.cfg.Self)
				return
			}
			e.reconciler.Apply(ctx, env)

		case id := <-e.transport.Departures():
			e.reconciler.Depart(ctx, id)

		case <-flushTicker.C:
			if pos, ok := e.sampler.Flush(); ok {
				e.sendCursor(ctx, pos)
			}

		case <-heartbeatTicker.C:
			e.maybeHeartbeat(ctx)

		case <-sweepTicker.C:
			e.reconciler.Sweep(ctx, time.Now())
		}
	}
}

// maybeHeartbeat emits a liveness signal when nothing else went out
// recently, so idle-but-present users are not evicted as stale.
func (e *Engine) maybeHeartbeat(ctx context.Context) {
	last := time.Unix(0, e.lastSent.Load())
	if time.Since(last) < e.cfg.HeartbeatInterval {
		return
	}
	hb := &domain.Envelope{
		UserID:   e.cfg.Self,
		Sequence: e.seq.Add(1),
		Kind:     domain.KindHeartbeat,
	}
	if err := e.send(ctx, hb); err != nil {
		e.logger.Debugw("heartbeat send failed", "error", err)
	}
}

func (e *Engine) sendCursor(ctx context.Context, pos domain.CursorPosition) {
	env := &domain.Envelope{
		UserID:   e.cfg.Self,
		Sequence: e.seq.Add(1),
		Kind:     domain.KindUpdate,
		Cursor:   &pos,
	}
	if err := e.send(ctx, env); err != nil {
		e.logger.Debugw("cursor update send failed", "error", err)
	}
}

func (e *Engine) send(ctx context.Context, env *domain.Envelope) error {
	if err := e.transport.Send(ctx, env); err != nil {
		return err
	}
	e.lastSent.Store(time.Now().UnixNano())
	return nil
}

func maxRate(r float64) int64 {
	if r <= 0 {
		return 30
	}
	if r < 1 {
		return 1
	}
	return int64(r)
}
