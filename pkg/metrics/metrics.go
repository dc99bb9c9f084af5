// Package metrics exposes driver counters both as Prometheus series and
// as cheap local mirrors for in-process logging.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Prometheus counters
var (
	TxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total frames transmitted and acknowledged on the bus.",
	})
	TxAborted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_aborted_total",
		Help: "Total transmissions concluded without success (cancelled, errored or flushed).",
	})
	TxArbitrationLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_arbitration_lost_total",
		Help: "Total transmissions dropped after losing bus arbitration.",
	})
	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total frames read out of the receive FIFOs.",
	})
	RxOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_overruns_total",
		Help: "Total receive FIFO overruns, each one lost at least one frame.",
	})
	BusErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_bus_errors_total",
		Help: "Protocol errors observed on the bus by direction.",
	}, []string{"direction"})
	BusOffEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_bus_off_total",
		Help: "Total times the controller entered bus-off.",
	})
	BusRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_bus_recoveries_total",
		Help: "Total recoveries from bus-off back to error active.",
	})
	TxErrorCounter = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_tx_error_counter",
		Help: "Current transmit error counter of the fault state machine.",
	})
	RxErrorCounter = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_rx_error_counter",
		Help: "Current receive error counter of the fault state machine.",
	})
	BusState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_bus_state",
		Help: "Fault confinement state (0 error active, 1 error passive, 2 bus-off).",
	})
	MailboxesBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_mailboxes_busy",
		Help: "Transmit mailboxes currently granted and not yet concluded.",
	})
	BridgeTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_bridge_tx_frames_total",
		Help: "Total frames forwarded to a transport bridge.",
	})
	BridgeRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_bridge_rx_frames_total",
		Help: "Total frames decoded from a transport bridge.",
	})
	BridgeMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_bridge_malformed_total",
		Help: "Total unrecognized or corrupt records seen on a transport bridge.",
	})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Direction label values for BusErrors
const (
	DirTx = "tx"
	DirRx = "rx"
)

// Local mirrored counters for easy logging
var (
	localTxFrames  uint64
	localTxAborted uint64
	localTxArbLost uint64
	localRxFrames  uint64
	localRxOverrun uint64
	localBusErrors uint64
	localBusOff    uint64
	localRecovered uint64
	localBridgeTx  uint64
	localBridgeRx  uint64
	localMalformed uint64
)

// Snapshot is a cheap copy of the local counters
type Snapshot struct {
	TxFrames          uint64
	TxAborted         uint64
	TxArbitrationLost uint64
	RxFrames          uint64
	RxOverruns        uint64
	BusErrors         uint64 // sum across directions
	BusOffEvents      uint64
	BusRecoveries     uint64
	BridgeTxFrames    uint64
	BridgeRxFrames    uint64
	BridgeMalformed   uint64
}

func Snap() Snapshot {
	return Snapshot{
		TxFrames:          atomic.LoadUint64(&localTxFrames),
		TxAborted:         atomic.LoadUint64(&localTxAborted),
		TxArbitrationLost: atomic.LoadUint64(&localTxArbLost),
		RxFrames:          atomic.LoadUint64(&localRxFrames),
		RxOverruns:        atomic.LoadUint64(&localRxOverrun),
		BusErrors:         atomic.LoadUint64(&localBusErrors),
		BusOffEvents:      atomic.LoadUint64(&localBusOff),
		BusRecoveries:     atomic.LoadUint64(&localRecovered),
		BridgeTxFrames:    atomic.LoadUint64(&localBridgeTx),
		BridgeRxFrames:    atomic.LoadUint64(&localBridgeRx),
		BridgeMalformed:   atomic.LoadUint64(&localMalformed),
	}
}

// Wrapper helpers to keep call sites simple
func IncTxFrame() {
	TxFrames.Inc()
	atomic.AddUint64(&localTxFrames, 1)
}

func IncTxAborted() {
	TxAborted.Inc()
	atomic.AddUint64(&localTxAborted, 1)
}

func IncTxArbitrationLost() {
	TxArbitrationLost.Inc()
	atomic.AddUint64(&localTxArbLost, 1)
}

func IncRxFrame() {
	RxFrames.Inc()
	atomic.AddUint64(&localRxFrames, 1)
}

func IncRxOverrun() {
	RxOverruns.Inc()
	atomic.AddUint64(&localRxOverrun, 1)
}

func IncBusError(direction string) {
	BusErrors.WithLabelValues(direction).Inc()
	atomic.AddUint64(&localBusErrors, 1)
}

func IncBusOff() {
	BusOffEvents.Inc()
	atomic.AddUint64(&localBusOff, 1)
}

func IncBusRecovery() {
	BusRecoveries.Inc()
	atomic.AddUint64(&localRecovered, 1)
}

func IncBridgeTx() {
	BridgeTxFrames.Inc()
	atomic.AddUint64(&localBridgeTx, 1)
}

func IncBridgeRx() {
	BridgeRxFrames.Inc()
	atomic.AddUint64(&localBridgeRx, 1)
}

func IncBridgeMalformed() {
	BridgeMalformed.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// SetErrorCounters records the fault machine counters
func SetErrorCounters(tec, rec uint16) {
	TxErrorCounter.Set(float64(tec))
	RxErrorCounter.Set(float64(rec))
}

func SetBusState(state int) {
	BusState.Set(float64(state))
}

func SetMailboxesBusy(n int) {
	MailboxesBusy.Set(float64(n))
}

// SetReadinessFunc registers the function backing /ready, typically the
// driver reporting that it is not bus-off
func SetReadinessFunc(fn func() bool) {
	readinessMu.Lock()
	readinessFn = fn
	readinessMu.Unlock()
}

func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe
// on the given address
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

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		log.Infof("[METRICS] listening on %v", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("[METRICS] http server stopped : %v", err)
		}
	}()
	return srv
}
