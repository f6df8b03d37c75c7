// Package metrics exposes Prometheus counters/gauges for the Flip-Flop
// client and server binaries, plus a locally mirrored atomic snapshot for
// periodic human-readable logging when no Prometheus scraper is present.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/titanclass/flip-flop-protocol/internal/logging"
)

// Prometheus series.
var (
	FramesSealed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flipflop_frames_sealed_total",
		Help: "Total link-layer frames sealed for transmission.",
	})
	FramesOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flipflop_frames_opened_total",
		Help: "Total link-layer frames successfully opened (authenticated).",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flipflop_malformed_frames_total",
		Help: "Total rejected frames (too short, bad length, or bad MIC).",
	})
	ExchangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flipflop_exchanges_total",
		Help: "Total client/server command+event exchanges completed with a reply.",
	})
	TimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flipflop_exchange_timeouts_total",
		Help: "Total exchanges abandoned because no valid reply arrived before the deadline.",
	})
	LossOfSyncTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flipflop_loss_of_sync_total",
		Help: "Total LossOfSync conditions detected by the client.",
	})
	DiscoveryRoundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flipflop_discovery_rounds_total",
		Help: "Total discovery rounds run by the client.",
	})
	DiscoveryConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flipflop_discovery_conflicts_total",
		Help: "Total address conflicts observed across all discovery rounds.",
	})
	DiscoveryCommittedAddrs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flipflop_discovery_committed_addrs",
		Help: "Current number of committed (claimed) addresses.",
	})
	UpdateBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flipflop_update_bytes_total",
		Help: "Total update payload bytes broadcast by the client.",
	})
	UpdateGapsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flipflop_update_gaps_total",
		Help: "Total update sessions aborted on the server due to an offset gap.",
	})
	UpdateSignatureFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flipflop_update_signature_failures_total",
		Help: "Total update sessions rejected due to signature trailer verification failure.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flipflop_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flipflop_errors_total",
		Help: "Error counters by subsystem/kind.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrBadMic       = "bad_mic"
	ErrTooShort     = "too_short"
	ErrBadLen       = "bad_len"
	ErrUnknownAddr  = "unknown_addr"
	ErrBusRead      = "bus_read"
	ErrBusWrite     = "bus_write"
	ErrTimeout      = "timeout"
	ErrDiscoveryIO  = "discovery_io"
	ErrUpdateIO     = "update_io"
	ErrCounterLimit = "counter_exhausted"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap periodic logging.
var (
	localSealed         uint64
	localOpened         uint64
	localMalformed      uint64
	localExchanges      uint64
	localTimeouts       uint64
	localLossOfSync     uint64
	localDiscoveryRound uint64
	localDiscoveryConf  uint64
	localUpdateBytes    uint64
	localUpdateGaps     uint64
	localUpdateSigFail  uint64
	localErrors         uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	FramesSealed     uint64
	FramesOpened     uint64
	Malformed        uint64
	Exchanges        uint64
	Timeouts         uint64
	LossOfSync       uint64
	DiscoveryRounds  uint64
	DiscoveryConf    uint64
	UpdateBytes      uint64
	UpdateGaps       uint64
	UpdateSignFailed uint64
	Errors           uint64
}

func Snap() Snapshot {
	return Snapshot{
		FramesSealed:     atomic.LoadUint64(&localSealed),
		FramesOpened:     atomic.LoadUint64(&localOpened),
		Malformed:        atomic.LoadUint64(&localMalformed),
		Exchanges:        atomic.LoadUint64(&localExchanges),
		Timeouts:         atomic.LoadUint64(&localTimeouts),
		LossOfSync:       atomic.LoadUint64(&localLossOfSync),
		DiscoveryRounds:  atomic.LoadUint64(&localDiscoveryRound),
		DiscoveryConf:    atomic.LoadUint64(&localDiscoveryConf),
		UpdateBytes:      atomic.LoadUint64(&localUpdateBytes),
		UpdateGaps:       atomic.LoadUint64(&localUpdateGaps),
		UpdateSignFailed: atomic.LoadUint64(&localUpdateSigFail),
		Errors:           atomic.LoadUint64(&localErrors),
	}
}

func IncSealed() { FramesSealed.Inc(); atomic.AddUint64(&localSealed, 1) }
func IncOpened() { FramesOpened.Inc(); atomic.AddUint64(&localOpened, 1) }

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncExchange() { ExchangesTotal.Inc(); atomic.AddUint64(&localExchanges, 1) }
func IncTimeout()  { TimeoutsTotal.Inc(); atomic.AddUint64(&localTimeouts, 1) }
func IncLossOfSync() {
	LossOfSyncTotal.Inc()
	atomic.AddUint64(&localLossOfSync, 1)
}

func IncDiscoveryRound() {
	DiscoveryRoundsTotal.Inc()
	atomic.AddUint64(&localDiscoveryRound, 1)
}
func IncDiscoveryConflict() {
	DiscoveryConflictsTotal.Inc()
	atomic.AddUint64(&localDiscoveryConf, 1)
}
func SetDiscoveryCommitted(n int) { DiscoveryCommittedAddrs.Set(float64(n)) }

func AddUpdateBytes(n int) {
	UpdateBytesTotal.Add(float64(n))
	atomic.AddUint64(&localUpdateBytes, uint64(n))
}
func IncUpdateGap() {
	UpdateGapsTotal.Inc()
	atomic.AddUint64(&localUpdateGaps, 1)
}
func IncUpdateSignatureFailure() {
	UpdateSignatureFailures.Inc()
	atomic.AddUint64(&localUpdateSigFail, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers bounded error
// label series so the first occurrence of each doesn't pay registration cost.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrBadMic, ErrTooShort, ErrBadLen, ErrUnknownAddr,
		ErrBusRead, ErrBusWrite, ErrTimeout, ErrDiscoveryIO, ErrUpdateIO, ErrCounterLimit,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
