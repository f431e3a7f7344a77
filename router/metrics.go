package router

import (
	"errors"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/axiomhq/hyperloglog"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/tarancss/xrouter/confirmation"
	"github.com/tarancss/xrouter/lib/types"
)

const namespace = "xrouter"

// MetaDecimals is the asset registration metadata key holding the number of decimals of the asset. Amounts are
// integers in the asset's smallest unit; Volume and Health.Reserved show them in whole units.
const MetaDecimals = "decimals"

// Metrics is a snapshot of the router activity since it started. Throughput is in transfers per second, ErrorRate is
// the percentage of failed transfers and Volume the confirmed amount per asset.
type Metrics struct {
	RouterID           string                  `json:"routerId"`
	TotalTransfers     int64                   `json:"totalTransfers"`
	ConfirmedTransfers int64                   `json:"confirmedTransfers"`
	FailedTransfers    int64                   `json:"failedTransfers"`
	AverageLatency     time.Duration           `json:"averageLatency"`
	Throughput         float64                 `json:"throughput"`
	ErrorRate          float64                 `json:"errorRate"`
	UniqueAccounts     uint64                  `json:"uniqueAccounts"`
	Volume             map[string]string       `json:"volume"`
	Failovers          int64                   `json:"failovers"`
	Uptime             time.Duration           `json:"uptime"`
	Confirmations      confirmation.Statistics `json:"confirmations"`
}

type metrics struct {
	routerID string
	clock    clockwork.Clock
	proc     *confirmation.Processor

	mu        sync.Mutex
	started   time.Time
	total     int64
	confirmed int64
	failed    int64
	latency   time.Duration
	failovers int64
	accounts  *hyperloglog.Sketch
	volume    map[string]*big.Int
	decimals  map[string]int32

	transfers *prometheus.CounterVec
	duration  prometheus.Histogram
	tasks     *prometheus.CounterVec
	drops     *prometheus.CounterVec
	takeovers *prometheus.CounterVec
}

func newMetrics(routerID string, reg prometheus.Registerer, clock clockwork.Clock,
	proc *confirmation.Processor) (*metrics, error) {
	labels := prometheus.Labels{"router": routerID}
	m := &metrics{
		routerID: routerID,
		clock:    clock,
		proc:     proc,
		accounts: hyperloglog.New16(),
		volume:   make(map[string]*big.Int),
		decimals: make(map[string]int32),
	}

	var err error

	if m.transfers, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "transfers_total", ConstLabels: labels,
		Help: "Transfers processed by final status and failure reason class.",
	}, []string{"status", "reason"})); err != nil {
		return nil, err
	}

	if m.duration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "transfer_duration_seconds", ConstLabels: labels,
		Help:    "Time to process a transfer.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})); err != nil {
		return nil, err
	}

	if m.tasks, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "confirmation_tasks_total", ConstLabels: labels,
		Help: "Confirmation task lifecycle events.",
	}, []string{"event"})); err != nil {
		return nil, err
	}

	if m.drops, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "peer_messages_dropped_total", ConstLabels: labels,
		Help: "Peer messages dropped by cause.",
	}, []string{"cause"})); err != nil {
		return nil, err
	}

	if m.takeovers, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "authority_takeovers_total", ConstLabels: labels,
		Help: "Assets this router took over from an unavailable primary.",
	}, []string{"asset"})); err != nil {
		return nil, err
	}

	if _, err = register(reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "confirmation_tasks_queued", ConstLabels: labels,
		Help: "Confirmation tasks waiting for a worker.",
	}, func() float64 { return float64(proc.GetStatistics().QueuedTasks) })); err != nil {
		return nil, err
	}

	if _, err = register(reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "confirmation_tasks_active", ConstLabels: labels,
		Help: "Confirmation tasks running.",
	}, func() float64 { return float64(proc.GetStatistics().ActiveTasks) })); err != nil {
		return nil, err
	}

	return m, nil
}

// register registers c, or returns the collector registered already under the same description.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}

		return c, err
	}

	return c, nil
}

func (m *metrics) start() {
	m.mu.Lock()
	m.started = m.clock.Now()
	m.mu.Unlock()
}

func (m *metrics) transfer(t *types.Transfer, took time.Duration) {
	reason := ""
	if t.Status == types.TransferFailed {
		reason, _, _ = strings.Cut(t.Reason, ":")
	}

	m.transfers.WithLabelValues(string(t.Status), reason).Inc()
	m.duration.Observe(took.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.latency += took

	for _, a := range []types.Ref{t.FromAccount, t.ToAccount} {
		if a.ID != "" {
			m.accounts.Insert([]byte(a.Domain + "/" + a.ID))
		}
	}

	if t.Status == types.TransferConfirmed {
		m.confirmed++
		v, ok := m.volume[t.Asset.ID]
		if !ok {
			v = new(big.Int)
			m.volume[t.Asset.ID] = v
		}

		v.Add(v, t.Amount)
	} else {
		m.failed++
	}
}

// scale records the decimals of an asset from its registration metadata. Missing or invalid values count as 0.
func (m *metrics) scale(assetID string, metadata map[string]string) {
	d, err := strconv.ParseUint(metadata[MetaDecimals], 10, 8)
	if err != nil {
		d = 0
	}

	m.mu.Lock()
	m.decimals[assetID] = int32(d)
	m.mu.Unlock()
}

// units formats amount, in the smallest unit of the asset, in whole units.
func (m *metrics) units(assetID string, amount *big.Int) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.unitsLocked(assetID, amount)
}

func (m *metrics) unitsLocked(assetID string, amount *big.Int) string {
	return decimal.NewFromBigInt(amount, -m.decimals[assetID]).String()
}

func (m *metrics) task(ev confirmation.TaskEvent) {
	m.tasks.WithLabelValues(string(ev.Type)).Inc()
}

func (m *metrics) dropped(cause string) {
	m.drops.WithLabelValues(cause).Inc()
}

func (m *metrics) failover(assetID string) {
	m.takeovers.WithLabelValues(assetID).Inc()

	m.mu.Lock()
	m.failovers++
	m.mu.Unlock()
}

func (m *metrics) snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Metrics{
		RouterID:           m.routerID,
		TotalTransfers:     m.total,
		ConfirmedTransfers: m.confirmed,
		FailedTransfers:    m.failed,
		UniqueAccounts:     m.accounts.Estimate(),
		Volume:             make(map[string]string, len(m.volume)),
		Failovers:          m.failovers,
		Confirmations:      m.proc.GetStatistics(),
	}

	for a, v := range m.volume {
		s.Volume[a] = m.unitsLocked(a, v)
	}

	if m.total > 0 {
		s.AverageLatency = m.latency / time.Duration(m.total)
		s.ErrorRate = float64(m.failed) / float64(m.total) * 100
	}

	if !m.started.IsZero() {
		s.Uptime = m.clock.Since(m.started)
		if secs := s.Uptime.Seconds(); secs > 0 {
			s.Throughput = float64(m.total) / secs
		}
	}

	return s
}

// GetMetrics returns the transfer counters, latency, throughput and error rate of the router, with an estimate of the
// distinct accounts it moved funds for and the statistics of its confirmation processor.
func (r *Router) GetMetrics() Metrics {
	return r.metrics.snapshot()
}
