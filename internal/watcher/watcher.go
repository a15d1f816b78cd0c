package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gopcua/opcua/ua"

	"printerstatus/internal/liveness"
	"printerstatus/internal/metrics"
	"printerstatus/internal/nodes"
	"printerstatus/internal/opc"
	"printerstatus/internal/status"
)

// State is the lifecycle phase of the watcher.
type State int32

const (
	StateNotStarted State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Snapshot errors for structural events.
const (
	ReasonClosed     = "connection closed"
	ReasonTerminated = "subscription terminated"
)

// ReconnectingReason is the snapshot error while the client library retries.
func ReconnectingReason(attempt int) string {
	return fmt.Sprintf("connection lost, reconnecting (attempt %d)", attempt)
}

// Session is a connected OPC UA session as the watcher uses it.
type Session interface {
	ReadValues(ctx context.Context, nodeIDs []string) ([]*ua.DataValue, error)
	Subscribe(ctx context.Context, nodeIDs []string) error
	Close(ctx context.Context) error
}

// Dialer opens a session that reports its events to h.
type Dialer func(ctx context.Context, endpoint string, h opc.EventHandler) (Session, error)

// OPCDialer dials real sessions with cfg.
func OPCDialer(cfg opc.Config, logger *slog.Logger) Dialer {
	return func(ctx context.Context, endpoint string, h opc.EventHandler) (Session, error) {
		c, err := opc.Dial(ctx, endpoint, cfg, h, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

type Options struct {
	Registry *nodes.Registry
	Dial     Dialer
	Retry    RetryPolicy

	LivenessInterval time.Duration
	LivenessTimeout  time.Duration
	// ReadTimeout bounds the initial bulk read.
	ReadTimeout time.Duration
	// QueueSize bounds the snapshots buffered per subscriber.
	QueueSize int

	Now    func() time.Time
	Logger *slog.Logger
}

// Watcher owns the single printer session and the status it produces.
type Watcher struct {
	reg         *nodes.Registry
	dial        Dialer
	retry       RetryPolicy
	readTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger

	store *status.Store
	bc    *status.Broadcaster
	live  *liveness.Monitor

	// gen identifies the current run; events from older runs are dropped.
	gen atomic.Uint64

	mu        sync.Mutex
	started   bool
	closed    bool
	state     State
	session   Session
	endpoint  string
	failedAt  time.Time
	cancelRun context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*Watcher, error) {
	if opts.Registry == nil || opts.Registry.Len() == 0 {
		return nil, errors.New("watcher: empty node registry")
	}
	if opts.Dial == nil {
		return nil, errors.New("watcher: no dialer")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}

	logger := opts.Logger.With("component", "watcher")
	bc := status.NewBroadcaster(status.Initial(), opts.QueueSize, logger)
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		reg:         opts.Registry,
		dial:        opts.Dial,
		retry:       opts.Retry,
		readTimeout: opts.ReadTimeout,
		now:         opts.Now,
		logger:      logger,
		store:       status.NewStore(bc.Emit),
		bc:          bc,
		live:        liveness.New(opts.LivenessInterval, opts.LivenessTimeout, opts.Now),
		ctx:         ctx,
		cancel:      cancel,
	}
	return w, nil
}

// Start runs the connect sequence for endpoint exactly once. The caller that
// claims the start waits until the sequence finished or ctx is done; every
// other caller returns at once. After a failed sequence the claim is released
// and, once the retry cooldown passed, the next Start tries again.
func (w *Watcher) Start(ctx context.Context, endpoint string) {
	w.mu.Lock()
	if w.closed || w.started {
		w.mu.Unlock()
		return
	}
	if !w.failedAt.IsZero() && w.now().Sub(w.failedAt) < w.retry.Cooldown {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.state = StateConnecting
	w.endpoint = endpoint
	gen := w.gen.Add(1)
	runCtx, cancel := context.WithCancel(w.ctx)
	w.cancelRun = cancel
	done := make(chan struct{})
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer close(done)
		w.run(runCtx, gen, endpoint)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Status returns a copy of the current snapshot.
func (w *Watcher) Status() status.Snapshot {
	return w.store.Load()
}

// Subscribe calls fn with the current snapshot before returning and then
// with every change until the returned func is called.
func (w *Watcher) Subscribe(fn status.Listener) func() {
	return w.bc.Subscribe(fn)
}

// Subscribers reports the number of attached listeners.
func (w *Watcher) Subscribers() int {
	return w.bc.Len()
}

func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Endpoint returns the endpoint of the current or last run.
func (w *Watcher) Endpoint() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.endpoint
}

// LastUpdate returns when the printer last proved it is alive.
func (w *Watcher) LastUpdate() (time.Time, bool) {
	return w.live.Last()
}

// CheckLiveness flips a connected snapshot to disconnected when the printer
// has been silent for longer than the liveness timeout. It reports whether
// it did.
func (w *Watcher) CheckLiveness() bool {
	return w.checkLiveness(w.gen.Load())
}

// Reset drops the current session and returns to the initial snapshot so the
// next Start connects afresh, e.g. to a new printer address.
func (w *Watcher) Reset(ctx context.Context) {
	w.mu.Lock()
	w.gen.Add(1)
	sess := w.session
	w.session = nil
	if w.cancelRun != nil {
		w.cancelRun()
		w.cancelRun = nil
	}
	w.started = false
	w.state = StateNotStarted
	w.endpoint = ""
	w.failedAt = time.Time{}
	w.mu.Unlock()

	if sess != nil {
		if err := sess.Close(ctx); err != nil {
			w.logger.Warn("closing session on reset", "error", err)
		}
	}
	w.live.Clear()
	w.store.Reset()
	w.logger.Info("watcher reset")
}

// Close stops the watcher for good.
func (w *Watcher) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.gen.Add(1)
	sess := w.session
	w.session = nil
	w.mu.Unlock()

	w.cancel()
	var err error
	if sess != nil {
		err = sess.Close(ctx)
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	w.bc.Close()
	return err
}

func (w *Watcher) run(ctx context.Context, gen uint64, endpoint string) {
	log := w.logger.With("endpoint", endpoint)
	h := &events{w: w, gen: gen, endpoint: endpoint}

	var sess Session
	attempt := 0
	dial := func() error {
		attempt++
		metrics.IncConnectAttempt()
		s, err := w.dial(ctx, endpoint, h)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			w.update(gen, func(sn *status.Snapshot) bool { return sn.MarkDisconnected(err.Error()) })
			return err
		}
		sess = s
		return nil
	}
	notify := func(err error, next time.Duration) {
		log.Warn("connect failed, retrying", "attempt", attempt, "error", err, "next", next)
	}
	log.Info("connecting to printer")
	if err := backoff.RetryNotify(dial, w.retry.backOff(ctx), notify); err != nil {
		w.fail(gen, "connect", err)
		return
	}
	if !w.attach(gen, sess) {
		_ = sess.Close(context.Background())
		return
	}

	ids := w.reg.NodeIDs()
	readCtx, cancel := context.WithTimeout(ctx, w.readTimeout)
	values, err := sess.ReadValues(readCtx, ids)
	cancel()
	if err == nil && len(values) != len(ids) {
		err = fmt.Errorf("read returned %d values for %d nodes", len(values), len(ids))
	}
	if err != nil {
		w.fail(gen, "initial read", err)
		return
	}

	defs := w.reg.All()
	w.update(gen, func(sn *status.Snapshot) bool {
		for i, def := range defs {
			v, lamp := evaluate(def, values[i])
			sn.PutNode(w.reg, def, v, lamp)
		}
		w.live.Touch()
		sn.MarkAlive(endpoint)
		return true
	})

	if err := sess.Subscribe(ctx, ids); err != nil {
		w.fail(gen, "subscribe", err)
		return
	}

	w.mu.Lock()
	if w.gen.Load() != gen {
		w.mu.Unlock()
		return
	}
	if w.state == StateConnecting {
		w.state = StateConnected
	}
	w.wg.Add(1)
	w.mu.Unlock()

	log.Info("watching printer", "nodes", len(ids), "attempts", attempt)
	go func() {
		defer w.wg.Done()
		w.live.Run(ctx, func() { w.checkLiveness(gen) })
	}()
}

func (w *Watcher) attach(gen uint64, sess Session) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gen.Load() != gen {
		return false
	}
	w.session = sess
	return true
}

// fail records a terminal startup failure and releases the start claim.
// Node values read before the failure are kept.
func (w *Watcher) fail(gen uint64, stage string, err error) {
	w.mu.Lock()
	if w.gen.Load() != gen {
		w.mu.Unlock()
		return
	}
	sess := w.session
	w.session = nil
	w.started = false
	w.state = StateFailed
	w.failedAt = w.now()
	w.mu.Unlock()

	if sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = sess.Close(ctx)
		cancel()
	}
	w.logger.Error("printer watcher start failed", "stage", stage, "error", err)
	metrics.IncDisconnect("startup")
	w.update(gen, func(sn *status.Snapshot) bool { return sn.MarkDisconnected(err.Error()) })
}

// update mutates the snapshot unless gen is stale.
func (w *Watcher) update(gen uint64, fn func(*status.Snapshot) bool) bool {
	_, changed := w.store.Update(func(sn *status.Snapshot) bool {
		if w.gen.Load() != gen {
			return false
		}
		return fn(sn)
	})
	return changed
}

func (w *Watcher) setState(gen uint64, from []State, to State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gen.Load() != gen {
		return
	}
	for _, s := range from {
		if w.state == s {
			w.state = to
			return
		}
	}
}

func (w *Watcher) checkLiveness(gen uint64) bool {
	var silence time.Duration
	changed := w.update(gen, func(sn *status.Snapshot) bool {
		if !sn.Connected {
			return false
		}
		d, expired := w.live.Expired()
		if !expired {
			return false
		}
		silence = d
		return sn.MarkDisconnected(liveness.Reason(d))
	})
	if changed {
		metrics.IncDisconnect("liveness")
		w.setState(gen, []State{StateConnected}, StateDisconnected)
		w.logger.Warn("printer went silent", "silence", silence)
	}
	return changed
}

// evaluate normalizes a data value and derives its lamp. Bad values have no
// usable reading and show as unknown.
func evaluate(def nodes.Definition, dv *ua.DataValue) (any, status.Lamp) {
	if dv == nil || isBad(dv.Status) {
		return nil, status.LampUnknown
	}
	v := status.Normalize(dv)
	return v, status.DeriveLamp(status.Truthy(v), def.Class)
}

func isBad(code ua.StatusCode) bool {
	return uint32(code)&0xC0000000 == 0x80000000
}

// Probe dials endpoint once, reads every registry node and closes the
// session again. It does not subscribe.
func Probe(ctx context.Context, dial Dialer, reg *nodes.Registry, endpoint string) (status.Snapshot, error) {
	snap := status.Initial()
	sess, err := dial(ctx, endpoint, opc.NopHandler{})
	if err != nil {
		snap.MarkDisconnected(err.Error())
		return snap, err
	}
	defer sess.Close(context.Background())

	values, err := sess.ReadValues(ctx, reg.NodeIDs())
	if err == nil && len(values) != reg.Len() {
		err = fmt.Errorf("read returned %d values for %d nodes", len(values), reg.Len())
	}
	if err != nil {
		snap.MarkDisconnected(err.Error())
		return snap, err
	}
	for i, def := range reg.All() {
		v, lamp := evaluate(def, values[i])
		snap.PutNode(reg, def, v, lamp)
	}
	snap.MarkAlive(endpoint)
	return snap, nil
}
