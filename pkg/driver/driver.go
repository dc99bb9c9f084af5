// Package driver ties the peripheral pieces together behind one facade.
// It owns no policy of its own : frames are never queued, buffered or
// retried here, a full mailbox set or an empty FIFO is returned to the
// caller as is. Completion, received frames and bus health all surface
// through polling, interrupt service routines stay out of this package.
package driver

import (
	"log/slog"
	"sync"

	log "github.com/sirupsen/logrus"

	bxcan "github.com/samsamfire/gobxcan"
	"github.com/samsamfire/gobxcan/pkg/fault"
	"github.com/samsamfire/gobxcan/pkg/filter"
	"github.com/samsamfire/gobxcan/pkg/mailbox"
	"github.com/samsamfire/gobxcan/pkg/metrics"
	"github.com/samsamfire/gobxcan/pkg/rxfifo"
)

// initSpin bounds the handshake loops around initialization mode, a
// peripheral that never acknowledges is reported instead of hung on
const initSpin = 0x1FFFF

// Config carries everything Init programs into the peripheral
type Config struct {
	Timing  bxcan.BitTiming
	Mode    bxcan.Mode
	Filters []filter.Spec // empty means accept everything into FIFO0
}

// Driver is the facade over one CAN controller. All methods are safe
// for concurrent use, one mutex serializes the whole driver.
type Driver struct {
	mu     sync.Mutex
	regs   bxcan.Registers
	irq    bxcan.InterruptController
	logger *slog.Logger

	mailboxes *mailbox.Manager
	filters   *filter.Manager
	fifos     *rxfifo.Reader
	machine   *fault.Machine

	// handles owned by the fire and forget transmit path
	tracked []mailbox.Handle
}

func New(regs bxcan.Registers, irq bxcan.InterruptController, logger *slog.Logger) *Driver {
	if irq == nil {
		irq = bxcan.NopInterrupts{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		regs:      regs,
		irq:       irq,
		logger:    logger,
		mailboxes: mailbox.NewManager(regs, irq, logger),
		filters:   filter.NewManager(regs, logger),
		fifos:     rxfifo.NewReader(regs, irq, logger),
		machine:   fault.NewMachine(),
	}
}

// Init brings the controller up : initialization mode handshake, bit
// timing and operating mode, retransmission discipline, filters, then
// back to running. Single shot operation is fixed on, a frame concludes
// exactly once whatever the outcome.
func (d *Driver) Init(cfg Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := cfg.Timing.Validate(); err != nil {
		return err
	}

	bxcan.Modify(d.regs, bxcan.RegCTLR, 0, bxcan.CtlrINRQ)
	if !d.waitSTATR(bxcan.StatrINAK, true) {
		return bxcan.ErrInitTimeout
	}

	d.regs.Write(bxcan.RegBTIMR, cfg.Timing.Bits(cfg.Mode))
	bxcan.Modify(d.regs, bxcan.RegCTLR,
		bxcan.CtlrABOM|bxcan.CtlrTXFP|bxcan.CtlrRFLM, bxcan.CtlrNART)

	var err error
	if len(cfg.Filters) == 0 {
		err = d.filters.DefaultAcceptAll()
	} else {
		err = d.filters.Configure(cfg.Filters)
	}
	if err != nil {
		return err
	}

	bxcan.Modify(d.regs, bxcan.RegCTLR, bxcan.CtlrINRQ, 0)
	if !d.waitSTATR(bxcan.StatrINAK, false) {
		return bxcan.ErrInitTimeout
	}

	d.machine = fault.NewMachine()
	d.tracked = nil
	log.Infof("[CAN] controller up : mode %v, prescaler %v, sample point %v.%v%%, %v filter banks",
		cfg.Mode, cfg.Timing.Prescaler,
		cfg.Timing.SamplePoint()/10, cfg.Timing.SamplePoint()%10,
		len(d.filters.Assignments()))
	return nil
}

// waitSTATR spins until the flag reaches the wanted level or the bound
// runs out
func (d *Driver) waitSTATR(flag uint32, set bool) bool {
	for i := 0; i < initSpin; i++ {
		if d.regs.Read(bxcan.RegSTATR)&flag != 0 == set {
			return true
		}
	}
	return false
}

// Assignments reports how the configured filters map to match indexes
func (d *Driver) Assignments() []filter.Assignment {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filters.Assignments()
}

// Transmit requests transmission and hands the completion handle to the
// caller, who is expected to conclude it through PollCompletion
func (d *Driver) Transmit(f bxcan.Frame) (mailbox.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.machine.State() == fault.BusOff {
		return mailbox.Handle{}, bxcan.ErrBusOff
	}
	h, err := d.mailboxes.Transmit(f)
	metrics.SetMailboxesBusy(d.mailboxes.Busy())
	return h, err
}

// TryTransmit is the fire and forget path. Outcomes of earlier
// submissions are reaped on the way, nothing is ever queued, with all
// mailboxes loaded the caller gets ErrMailboxesFull and decides itself.
// The frame pointer is always nil, no loaded mailbox is ever bumped.
func (d *Driver) TryTransmit(f bxcan.Frame) (*bxcan.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.machine.State() == fault.BusOff {
		return nil, bxcan.ErrBusOff
	}
	d.reapTracked()
	h, err := d.mailboxes.Transmit(f)
	if err != nil {
		return nil, err
	}
	d.tracked = append(d.tracked, h)
	d.harvest()
	return nil, nil
}

// reapTracked polls the fire and forget handles and drops the
// concluded ones
func (d *Driver) reapTracked() {
	live := d.tracked[:0]
	for _, h := range d.tracked {
		st, err := d.mailboxes.Poll(h)
		if err == nil && st == mailbox.StatusPending {
			live = append(live, h)
		}
	}
	d.tracked = live
}

// PollCompletion reads the outcome of a handle given out by Transmit
func (d *Driver) PollCompletion(h mailbox.Handle) (mailbox.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, err := d.mailboxes.Poll(h)
	d.harvest()
	return st, err
}

// Cancel asks the hardware to abort a granted transmission, the
// definitive outcome still comes through PollCompletion
func (d *Driver) Cancel(h mailbox.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mailboxes.Cancel(h)
}

// Receive lifts at most one frame out of the FIFOs, with the filter
// match index and FIFO attached. An empty controller returns (nil, nil),
// a swallowed frame returns ErrOverrun exactly once.
func (d *Driver) Receive() (*rxfifo.Received, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rx, err := d.fifos.Poll()
	if err != nil {
		metrics.IncRxOverrun()
		return nil, err
	}
	if rx != nil {
		d.machine.OnRxSuccess()
		metrics.IncRxFrame()
		d.drainMachine()
	}
	return rx, err
}

// TryReceive is the plain frame shape of Receive, an empty controller
// reads as ErrRxEmpty
func (d *Driver) TryReceive() (*bxcan.Frame, error) {
	rx, err := d.Receive()
	if err != nil {
		return nil, err
	}
	if rx == nil {
		return nil, bxcan.ErrRxEmpty
	}
	return &rx.Frame, nil
}

// PollBus folds the hardware error status into the fault machine and,
// during bus-off, samples the bus level to drive recovery. Call it
// periodically, its cadence is the resolution of all bus health
// reporting.
func (d *Driver) PollBus() {
	d.mu.Lock()
	defer d.mu.Unlock()

	errsr := d.regs.Read(bxcan.RegERRSR)
	switch lec := bxcan.LEC(errsr); lec {
	case bxcan.LECNone, bxcan.LECSoftware:
	case bxcan.LECAck, bxcan.LECBitRecessive, bxcan.LECBitDominant:
		// the transmitter saw the problem
		d.machine.OnTxError()
		metrics.IncBusError(metrics.DirTx)
		d.consumeLEC()
	default:
		// stuff, form or CRC, observed while receiving
		d.machine.OnRxError()
		metrics.IncBusError(metrics.DirRx)
		d.consumeLEC()
	}

	if d.machine.State() == fault.BusOff {
		if d.regs.Read(bxcan.RegSTATR)&bxcan.StatrRX != 0 {
			d.machine.ObserveIdle()
		} else {
			d.machine.ObserveBusy()
		}
	}

	d.drainMachine()
	tec, rec := d.machine.Counters()
	metrics.SetErrorCounters(tec, rec)
	metrics.SetBusState(int(d.machine.State()))
}

// consumeLEC writes the software code into the error status so the same
// error is not folded twice
func (d *Driver) consumeLEC() {
	d.regs.Write(bxcan.RegERRSR,
		uint32(bxcan.LECSoftware)<<bxcan.ErrsrLECShift)
}

// State returns the fault confinement state
func (d *Driver) State() fault.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.machine.State()
}

// Counters returns the transmit and receive error counters
func (d *Driver) Counters() (tec, rec uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.machine.Counters()
}

// Warning reports whether either counter is at the warning level
func (d *Driver) Warning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.machine.Warning()
}

// Stats returns a snapshot of the driver counters
func (d *Driver) Stats() metrics.Snapshot {
	return metrics.Snap()
}

// harvest counts concluded grants and feeds transmission successes back
// into the fault machine
func (d *Driver) harvest() {
	for _, st := range d.mailboxes.TakeConcluded() {
		switch st {
		case mailbox.StatusCompleted:
			d.machine.OnTxSuccess()
			metrics.IncTxFrame()
		case mailbox.StatusArbitrationLost:
			metrics.IncTxArbitrationLost()
		default:
			metrics.IncTxAborted()
		}
	}
	metrics.SetMailboxesBusy(d.mailboxes.Busy())
	d.drainMachine()
}

// drainMachine logs surfaced fault transitions and runs the bus-off
// flush when one comes through
func (d *Driver) drainMachine() {
	for _, ev := range d.machine.TakeEvents() {
		switch ev.Kind {
		case fault.KindWarning:
			log.Warnf("[CAN] error warning level reached : tec=%v rec=%v", ev.TEC, ev.REC)
		case fault.KindPassive:
			log.Warnf("[CAN] error passive : tec=%v rec=%v", ev.TEC, ev.REC)
		case fault.KindActive:
			log.Infof("[CAN] back to error active : tec=%v rec=%v", ev.TEC, ev.REC)
		case fault.KindBusOff:
			log.Errorf("[CAN] bus-off, flushing mailboxes : tec=%v", ev.TEC)
			metrics.IncBusOff()
			d.mailboxes.AbortAll()
			for _, st := range d.mailboxes.TakeConcluded() {
				if st == mailbox.StatusCompleted {
					// concluded on the wire just before the flush
					metrics.IncTxFrame()
				} else {
					metrics.IncTxAborted()
				}
			}
			metrics.SetMailboxesBusy(d.mailboxes.Busy())
		case fault.KindRecovered:
			log.Infof("[CAN] recovered from bus-off")
			metrics.IncBusRecovery()
		}
	}
}
