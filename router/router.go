// Package router implements the router service. A router composes the coordination components: balance reservations
// and cross-ledger operations, asset authority, and confirmation records written by a bounded pool of workers. It
// runs transfers through them end to end and talks to its peer routers over a message broker.
//
// A transfer goes PENDING, then through an authority check, a balance reservation, an optional dual confirmation by
// another authorized router and the ledger operation, and ends CONFIRMED or FAILED. The confirmation record of a
// transfer is written asynchronously once the ledger operation succeeds.
package router

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tarancss/xrouter/authority"
	"github.com/tarancss/xrouter/confirmation"
	"github.com/tarancss/xrouter/crossledger"
	"github.com/tarancss/xrouter/lib/config"
	"github.com/tarancss/xrouter/lib/errs"
	"github.com/tarancss/xrouter/lib/ledger"
	"github.com/tarancss/xrouter/lib/msg"
	"github.com/tarancss/xrouter/lib/store"
	"github.com/tarancss/xrouter/lib/types"
	"github.com/tarancss/xrouter/lib/util"
)

// Errors returned
var (
	ErrNotRunning = errors.New("router is not running")
	ErrStopped    = errors.New("router was stopped")
)

type state int

const (
	stateNew state = iota
	stateRunning
	stateStopped
)

// Router contains the data necessary to deliver the service.
type Router struct {
	id        string
	cfg       config.ServiceConfig
	threshold *big.Int // nil disables dual confirmation

	kv      store.KV
	mb      msg.Broker
	ledgers map[string]ledger.Adapter

	lm      *crossledger.Manager
	records *confirmation.Manager
	proc    *confirmation.Processor
	auth    *authority.Authority
	peers   *registry
	metrics *metrics

	signer   *util.Signer
	validate *validator.Validate
	clock    clockwork.Clock
	log      *slog.Logger
	promReg  prometheus.Registerer

	mu        sync.Mutex
	state     state
	cancel    context.CancelFunc
	sched     gocron.Scheduler
	srv       *http.Server
	transfers sync.WaitGroup // transfers in flight
	handlers  sync.WaitGroup // peer message handlers

	wmu     sync.Mutex
	waiters map[string]*waiter // dual confirmations in progress by transfer id
}

// Option configures a Router.
type Option func(*Router)

// WithClock sets the clock shared by the router components and its scheduler.
func WithClock(c clockwork.Clock) Option {
	return func(r *Router) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.log = l }
}

// WithRegisterer sets where the router registers its prometheus collectors. By default they go to a registry of
// their own.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Router) { r.promReg = reg }
}

// New returns a router configured by cfg over the given store, broker and ledger adapters. The router is not started.
// It takes ownership of the broker and the adapters, which Stop closes; the store is closed by the caller.
func New(cfg config.ServiceConfig, kv store.KV, mb msg.Broker, ledgers map[string]ledger.Adapter,
	opts ...Option) (*Router, error) {
	if cfg.DefaultLedger == "" && len(cfg.Ledgers) > 0 {
		cfg.DefaultLedger = cfg.Ledgers[0].Name
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if _, ok := ledgers[cfg.DefaultLedger]; !ok {
		return nil, errs.New(errs.Configuration, "router", "no adapter for default ledger %s", cfg.DefaultLedger)
	}

	threshold, err := cfg.DualConfirmationThreshold()
	if err != nil {
		return nil, err
	}

	r := &Router{
		id:        cfg.RouterID,
		cfg:       cfg,
		threshold: threshold,
		kv:        kv,
		mb:        mb,
		ledgers:   ledgers,
		signer:    util.NewSigner(cfg.PeerSecret),
		validate:  validator.New(),
		clock:     clockwork.NewRealClock(),
		log:       slog.Default(),
		waiters:   make(map[string]*waiter),
	}

	for _, o := range opts {
		o(r)
	}

	if r.promReg == nil {
		r.promReg = prometheus.NewRegistry()
	}

	r.log = r.log.With("router", r.id)

	r.lm = crossledger.New(ledgers, crossledger.WithClock(r.clock), crossledger.WithLogger(r.log))
	r.records = confirmation.NewManager(kv, r.id, r.signer, confirmation.WithClock(r.clock),
		confirmation.WithLogger(r.log))
	r.proc = confirmation.NewProcessor(r.records, confirmation.ProcessorConfig{
		MaxConcurrent:     cfg.MaxConcurrentConfirmations,
		ProcessingTimeout: cfg.ProcessingTimeout.Duration,
		ShutdownTimeout:   cfg.ShutdownTimeout.Duration,
	}, confirmation.WithProcessorClock(r.clock), confirmation.WithProcessorLogger(r.log))
	r.auth = authority.New(kv, r.id, authority.WithStaleness(cfg.HeartbeatStaleness.Duration),
		authority.WithClock(r.clock), authority.WithLogger(r.log))
	r.peers = newRegistry(r.clock, cfg.HeartbeatStaleness.Duration)

	if r.metrics, err = newMetrics(r.id, r.promReg, r.clock, r.proc); err != nil {
		return nil, errs.Wrap(errs.Configuration, "router", err)
	}

	r.proc.SetEventHandler(r.onTaskEvent)

	return r, nil
}

// ID returns the router id.
func (r *Router) ID() string {
	return r.id
}

// Authority returns the asset authority view of the router.
func (r *Router) Authority() *authority.Authority {
	return r.auth
}

// Records returns the confirmation record manager of the router.
func (r *Router) Records() *confirmation.Manager {
	return r.records
}

// Ledgers returns the reservation and cross-ledger operation manager of the router.
func (r *Router) Ledgers() *crossledger.Manager {
	return r.lm
}

// Running reports whether the router is started.
func (r *Router) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state == stateRunning
}

// Start checks the store, connects the ledger adapters, starts the confirmation processor, subscribes to peer
// messages, announces the router to its peers and schedules the heartbeat and cleanup jobs. Starting a running router
// is a no-op; a stopped router cannot be started again.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case stateRunning:
		return nil
	case stateStopped:
		return ErrStopped
	}

	if err := r.kv.Ping(ctx); err != nil {
		return errs.Wrapf(errs.Network, "start", err, "store not available")
	}

	if err := ledger.Connect(ctx, r.ledgers); err != nil {
		return errs.Wrap(errs.Network, "start", err)
	}

	if err := r.mb.Setup(); err != nil {
		return errs.Wrapf(errs.Network, "start", err, "cannot set up message broker")
	}

	msgs, msgErrs, err := r.mb.Subscribe(r.id)
	if err != nil {
		return errs.Wrapf(errs.Network, "start", err, "cannot subscribe to peer messages")
	}

	sched, err := gocron.NewScheduler(gocron.WithClock(r.clock), gocron.WithLocation(time.UTC),
		gocron.WithLogger(r.log.With("component", "scheduler")))
	if err != nil {
		return errs.Wrap(errs.Configuration, "start", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	if err = r.schedule(runCtx, sched); err != nil {
		cancel()

		return err
	}

	r.proc.Start()

	r.handlers.Add(1)

	go r.consume(runCtx, msgs, msgErrs)

	sched.Start()

	r.sched = sched
	r.cancel = cancel
	r.state = stateRunning
	r.metrics.start()

	if err = r.send(types.MsgDiscovery, "", nil); err != nil {
		r.log.Warn("cannot announce router", "err", err)
	}

	r.log.Info("router started", "ledgers", len(r.ledgers), "dualThreshold", r.cfg.DualThreshold)

	return nil
}

func (r *Router) schedule(ctx context.Context, sched gocron.Scheduler) error {
	if _, err := sched.NewJob(gocron.DurationJob(r.cfg.HeartbeatInterval.Duration),
		gocron.NewTask(func() { r.tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule), gocron.WithName("heartbeat")); err != nil {
		return errs.Wrap(errs.Configuration, "schedule", err)
	}

	if _, err := sched.NewJob(gocron.DurationJob(r.cfg.CleanupInterval.Duration),
		gocron.NewTask(func() { r.cleanup(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule), gocron.WithName("cleanup")); err != nil {
		return errs.Wrap(errs.Configuration, "schedule", err)
	}

	return nil
}

// Stop waits for the transfers in flight, drains the confirmation processor, stops the scheduled jobs and the peer
// message consumption, and closes the broker, the adapters and the monitoring server. Stopping a router that is not
// running is a no-op.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state != stateRunning {
		r.mu.Unlock()

		return nil
	}

	r.state = stateStopped
	sched, cancel, srv := r.sched, r.cancel, r.srv
	r.mu.Unlock()

	r.transfers.Wait()

	var errList []error

	if err := r.proc.Shutdown(ctx); err != nil {
		errList = append(errList, err)
	}

	if err := sched.Shutdown(); err != nil {
		errList = append(errList, err)
	}

	cancel()
	r.handlers.Wait()

	if err := r.mb.Close(); err != nil {
		errList = append(errList, err)
	}

	ledger.End(ctx, r.ledgers, r.log)

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errList = append(errList, err)
		}
	}

	r.log.Info("router stopped")

	return errors.Join(errList...)
}

// tick runs every heartbeat interval: it heartbeats the owned assets, tells the peers and reassesses failover.
func (r *Router) tick(ctx context.Context) {
	owned, err := r.auth.HeartbeatOwned(ctx)
	if err != nil {
		r.log.Error("cannot heartbeat owned assets", "err", err)
	}

	if err = r.send(types.MsgHeartbeat, "", map[string]string{metaAssets: joinList(owned)}); err != nil {
		r.log.Warn("cannot send heartbeat", "err", err)
	}

	r.reassess(ctx)
}

// reassess takes over the watched assets this router backs up whose primary went stale, when failover is automatic.
func (r *Router) reassess(ctx context.Context) {
	if !r.cfg.AutoFailover {
		return
	}

	for _, assetID := range r.auth.WatchedAssets() {
		ok, err := r.auth.TakeOverAuthority(ctx, assetID)
		if err != nil {
			r.log.Warn("failover reassessment failed", "asset", assetID, "err", err)

			continue
		}

		if ok {
			r.metrics.failover(assetID)
		}
	}
}

func (r *Router) cleanup(ctx context.Context) {
	n, err := r.records.CleanupOldRecords(ctx, r.cfg.RecordRetentionDays)
	if err != nil {
		r.log.Error("cannot clean up confirmation records", "err", err)

		return
	}

	r.log.Debug("confirmation records cleaned up", "deleted", n)
}

func (r *Router) onTaskEvent(ev confirmation.TaskEvent) {
	r.metrics.task(ev)

	if ev.Type == confirmation.EventFailed {
		r.log.Warn("confirmation task failed", "task", ev.TaskID, "transfer", ev.TransferID, "err", ev.Err)
	}
}
