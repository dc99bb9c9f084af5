// Package virtual simulates the bxCAN register file in memory, primarily
// used for testing. A Controller behaves like one peripheral instance,
// several of them attached to a Bus arbitrate against each other the way
// real nodes do. A Controller can instead be attached to a Link, which
// carries its frames to an external medium (see pkg/bridge).
package virtual

import (
	"log/slog"
	"sync"

	bxcan "github.com/samsamfire/gobxcan"
	"github.com/samsamfire/gobxcan/internal/ring"
	"github.com/samsamfire/gobxcan/pkg/codec"
)

// Link carries frames between a standalone controller and an external
// medium. Send is called with the controller lock held, implementations
// should hand frames off quickly. Inbound frames go through
// Controller.Inject.
type Link interface {
	Send(f bxcan.Frame) error
}

type txSlot struct {
	mir, mdtr, mdlr, mdhr uint32
	pending               bool
	seq                   uint64
}

// Controller is one simulated peripheral. It implements bxcan.Registers,
// everything the driver stack does to it goes through Read and Write.
type Controller struct {
	mu     sync.Mutex
	logger *slog.Logger
	name   string

	ctlr   uint32
	intenr uint32
	errsr  uint32
	btimr  uint32

	fctlr   uint32
	fmcfgr  uint32
	fscfgr  uint32
	fafifor uint32
	fwr     uint32
	banks   [bxcan.FilterBankCount][2]uint32

	tstatr uint32
	tx     [bxcan.MailboxCount]txSlot
	seq    uint64

	fifo [bxcan.RxFIFOCount]*ring.Ring
	fovr [bxcan.RxFIFOCount]bool

	busIdle bool
	failTx  int

	bus  *Bus
	link Link
}

func NewController(name string, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		logger:  logger.With("service", "[VCAN]", "node", name),
		name:    name,
		fctlr:   bxcan.FctlrFINIT, // reset state, filters start inactive
		busIdle: true,
	}
	for i := range c.fifo {
		c.fifo[i] = ring.New(bxcan.RxFIFODepth)
	}
	return c
}

// Name returns the node name given at construction
func (c *Controller) Name() string {
	return c.name
}

// AttachLink connects the controller to an external medium. Completed
// transmissions are pushed into the link instead of waiting for a Bus.
func (c *Controller) AttachLink(l Link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.link = l
}

// Read implements bxcan.Registers
func (c *Controller) Read(off uint16) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch off {
	case bxcan.RegCTLR:
		return c.ctlr
	case bxcan.RegSTATR:
		return c.readSTATR()
	case bxcan.RegTSTATR:
		return c.readTSTATR()
	case bxcan.RegRFIFO0:
		return c.readRFIFO(0)
	case bxcan.RegRFIFO1:
		return c.readRFIFO(1)
	case bxcan.RegINTENR:
		return c.intenr
	case bxcan.RegERRSR:
		return c.errsr
	case bxcan.RegBTIMR:
		return c.btimr
	case bxcan.RegFCTLR:
		return c.fctlr
	case bxcan.RegFMCFGR:
		return c.fmcfgr
	case bxcan.RegFSCFGR:
		return c.fscfgr
	case bxcan.RegFAFIFOR:
		return c.fafifor
	case bxcan.RegFWR:
		return c.fwr
	}
	if n, word, ok := txMailboxWord(off); ok {
		switch word {
		case bxcan.MailboxMIR:
			return c.tx[n].mir
		case bxcan.MailboxMDTR:
			return c.tx[n].mdtr
		case bxcan.MailboxMDLR:
			return c.tx[n].mdlr
		case bxcan.MailboxMDHR:
			return c.tx[n].mdhr
		}
	}
	if fifo, word, ok := rxMailboxWord(off); ok {
		return c.readRxMailbox(fifo, word)
	}
	if bank, word, ok := filterWord(off); ok {
		return c.banks[bank][word]
	}
	c.logger.Warn("read of unmapped offset", "offset", off)
	return 0
}

// Write implements bxcan.Registers
func (c *Controller) Write(off uint16, v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch off {
	case bxcan.RegCTLR:
		c.ctlr = v
		return
	case bxcan.RegSTATR:
		return // interrupt flags only, not modeled
	case bxcan.RegTSTATR:
		c.writeTSTATR(v)
		return
	case bxcan.RegRFIFO0:
		c.writeRFIFO(0, v)
		return
	case bxcan.RegRFIFO1:
		c.writeRFIFO(1, v)
		return
	case bxcan.RegINTENR:
		c.intenr = v
		return
	case bxcan.RegERRSR:
		// only the last error code field is software writable
		c.setLEC(bxcan.LEC(v))
		return
	case bxcan.RegBTIMR:
		c.btimr = v
		return
	case bxcan.RegFCTLR:
		c.fctlr = v
		return
	case bxcan.RegFMCFGR:
		c.fmcfgr = v & bankMask
		return
	case bxcan.RegFSCFGR:
		c.fscfgr = v & bankMask
		return
	case bxcan.RegFAFIFOR:
		c.fafifor = v & bankMask
		return
	case bxcan.RegFWR:
		c.fwr = v & bankMask
		return
	}
	if n, word, ok := txMailboxWord(off); ok {
		c.writeTxMailbox(n, word, v)
		return
	}
	if _, _, ok := rxMailboxWord(off); ok {
		return // receive mailboxes are read only
	}
	if bank, word, ok := filterWord(off); ok {
		c.banks[bank][word] = v
		return
	}
	c.logger.Warn("write to unmapped offset", "offset", off, "value", v)
}

const bankMask = 1<<bxcan.FilterBankCount - 1

func txMailboxWord(off uint16) (n uint8, word uint16, ok bool) {
	base := bxcan.TxMailbox(0)
	end := bxcan.TxMailbox(bxcan.MailboxCount - 1) + bxcan.MailboxMDHR
	if off < base || off > end {
		return 0, 0, false
	}
	rel := off - base
	return uint8(rel / 0x10), rel % 0x10, true
}

func rxMailboxWord(off uint16) (fifo uint8, word uint16, ok bool) {
	base := bxcan.RxMailbox(0)
	end := bxcan.RxMailbox(bxcan.RxFIFOCount - 1) + bxcan.MailboxMDHR
	if off < base || off > end {
		return 0, 0, false
	}
	rel := off - base
	return uint8(rel / 0x10), rel % 0x10, true
}

func filterWord(off uint16) (bank uint8, word int, ok bool) {
	base := bxcan.FilterBank(0)
	end := bxcan.FilterBank(bxcan.FilterBankCount-1) + 4
	if off < base || off > end {
		return 0, 0, false
	}
	rel := off - base
	return uint8(rel / 8), int(rel % 8 / 4), true
}

func (c *Controller) readSTATR() uint32 {
	var v uint32
	if c.ctlr&bxcan.CtlrINRQ != 0 {
		v |= bxcan.StatrINAK
	}
	if c.busIdle {
		v |= bxcan.StatrRX | bxcan.StatrSAMP
	}
	return v
}

func (c *Controller) readTSTATR() uint32 {
	v := c.tstatr
	for n := uint8(0); n < bxcan.MailboxCount; n++ {
		if !c.tx[n].pending {
			v |= bxcan.TstatrTME(n)
		}
	}
	return v
}

func (c *Controller) writeTSTATR(v uint32) {
	for n := uint8(0); n < bxcan.MailboxCount; n++ {
		if v&bxcan.TstatrABRQ(n) != 0 {
			c.abort(n)
		}
		if v&bxcan.TstatrRQCP(n) != 0 {
			c.tstatr &^= bxcan.TstatrRQCP(n) | bxcan.TstatrTXOK(n) |
				bxcan.TstatrALST(n) | bxcan.TstatrTERR(n)
		}
	}
}

func (c *Controller) readRFIFO(fifo uint8) uint32 {
	v := uint32(c.fifo[fifo].Len()) & bxcan.RfifoFMPMask
	if c.fifo[fifo].Full() {
		v |= bxcan.RfifoFULL
	}
	if c.fovr[fifo] {
		v |= bxcan.RfifoFOVR
	}
	return v
}

func (c *Controller) writeRFIFO(fifo uint8, v uint32) {
	if v&bxcan.RfifoRFOM != 0 {
		c.fifo[fifo].Pop()
	}
	if v&bxcan.RfifoFOVR != 0 {
		c.fovr[fifo] = false
	}
}

func (c *Controller) readRxMailbox(fifo uint8, word uint16) uint32 {
	e, ok := c.fifo[fifo].Peek()
	if !ok {
		return 0
	}
	mir, mdtr, mdlr, mdhr := codec.TxRegisters(e.Frame)
	mdtr |= uint32(e.Match) << bxcan.MdtrFMIShift
	switch word {
	case bxcan.MailboxMIR:
		return mir
	case bxcan.MailboxMDTR:
		return mdtr
	case bxcan.MailboxMDLR:
		return mdlr
	case bxcan.MailboxMDHR:
		return mdhr
	}
	return 0
}

func (c *Controller) writeTxMailbox(n uint8, word uint16, v uint32) {
	switch word {
	case bxcan.MailboxMIR:
		c.tx[n].mir = v &^ bxcan.MirTXRQ
		if v&bxcan.MirTXRQ != 0 {
			c.request(n)
		}
	case bxcan.MailboxMDTR:
		c.tx[n].mdtr = v
	case bxcan.MailboxMDLR:
		c.tx[n].mdlr = v
	case bxcan.MailboxMDHR:
		c.tx[n].mdhr = v
	}
}

// request marks mailbox n pending and resolves it as far as the
// attachment allows. On a Bus the outcome waits for the next Step.
func (c *Controller) request(n uint8) {
	c.seq++
	c.tx[n].pending = true
	c.tx[n].seq = c.seq

	mode := bxcan.ModeFromBits(c.btimr)
	switch {
	case mode == bxcan.ModeLoopbackSilent:
		// detached from the wire entirely, completes on its own
		c.finishTx(n, true)
	case mode == bxcan.ModeSilent:
		// silent nodes cannot drive the bus, the request stays
		// pending until aborted
	case c.bus != nil:
		// arbitration happens in Bus.Step
	case c.link != nil:
		c.finishTxViaLink(n, mode == bxcan.ModeLoopback)
	case mode == bxcan.ModeLoopback:
		c.finishTx(n, true)
	default:
		// normal mode with no medium, nothing can acknowledge the
		// frame so it stays pending
	}
}

func (c *Controller) abort(n uint8) {
	if !c.tx[n].pending {
		return
	}
	c.tx[n].pending = false
	c.tstatr |= bxcan.TstatrRQCP(n)
}

func (c *Controller) txFrame(n uint8) bxcan.Frame {
	f, _ := codec.RxFrame(c.tx[n].mir, c.tx[n].mdtr, c.tx[n].mdlr, c.tx[n].mdhr)
	return f
}

// finishTx concludes a pending transmission, consuming an injected
// failure first if one is armed. Returns the frame and whether it made
// it onto the wire.
func (c *Controller) finishTx(n uint8, deliverSelf bool) (bxcan.Frame, bool) {
	f := c.txFrame(n)
	if c.failTx > 0 {
		c.failTx--
		c.concludeError(n)
		return f, false
	}
	c.tx[n].pending = false
	c.tstatr |= bxcan.TstatrRQCP(n) | bxcan.TstatrTXOK(n)
	if deliverSelf {
		c.receive(f)
	}
	return f, true
}

func (c *Controller) finishTxViaLink(n uint8, deliverSelf bool) {
	f := c.txFrame(n)
	if c.failTx > 0 {
		c.failTx--
		c.concludeError(n)
		return
	}
	if err := c.link.Send(f); err != nil {
		c.logger.Warn("link send failed", "err", err)
		c.concludeError(n)
		return
	}
	c.tx[n].pending = false
	c.tstatr |= bxcan.TstatrRQCP(n) | bxcan.TstatrTXOK(n)
	if deliverSelf {
		c.receive(f)
	}
}

// concludeError finishes mailbox n with a transmit error, leaving an
// acknowledgement error code behind
func (c *Controller) concludeError(n uint8) {
	c.tx[n].pending = false
	c.tstatr |= bxcan.TstatrRQCP(n) | bxcan.TstatrTERR(n)
	c.setLEC(bxcan.LECAck)
}

func (c *Controller) setLEC(code uint8) {
	c.errsr = c.errsr&^(bxcan.ErrsrLECMask<<bxcan.ErrsrLECShift) |
		uint32(code&bxcan.ErrsrLECMask)<<bxcan.ErrsrLECShift
}

// receive runs acceptance filtering and stores the frame. Initialization
// and filter init mode both park reception.
func (c *Controller) receive(f bxcan.Frame) {
	if c.ctlr&bxcan.CtlrINRQ != 0 || c.fctlr&bxcan.FctlrFINIT != 0 {
		return
	}
	fifo, fmi, ok := c.match(f)
	if !ok {
		return
	}
	if _, evicted := c.fifo[fifo].PushEvict(ring.Entry{Frame: f, Match: fmi}); evicted {
		c.fovr[fifo] = true
	}
}

// match walks the active filter banks in order and returns the FIFO and
// match index of the first slot accepting the frame. Match indexes count
// hardware slots per FIFO across the active banks.
func (c *Controller) match(f bxcan.Frame) (fifo uint8, fmi uint8, ok bool) {
	p32 := codec.Pattern32(f.ID, f.Extended, f.RTR)
	p16 := framePattern16(f)
	var slot [bxcan.RxFIFOCount]uint8
	for bank := uint8(0); bank < bxcan.FilterBankCount; bank++ {
		bit := uint32(1) << bank
		if c.fwr&bit == 0 {
			continue
		}
		target := uint8(0)
		if c.fafifor&bit != 0 {
			target = 1
		}
		list := c.fmcfgr&bit != 0
		wide := c.fscfgr&bit != 0
		fr1, fr2 := c.banks[bank][0], c.banks[bank][1]
		var hit, width int
		switch {
		case wide && list:
			width, hit = 2, match32List(p32, fr1, fr2)
		case wide:
			width, hit = 1, match32Mask(p32, fr1, fr2)
		case list:
			width, hit = 4, match16List(p16, fr1, fr2)
		default:
			width, hit = 2, match16Mask(p16, fr1, fr2)
		}
		if hit >= 0 {
			return target, slot[target] + uint8(hit), true
		}
		slot[target] += uint8(width)
	}
	return 0, 0, false
}

func match32List(p, fr1, fr2 uint32) int {
	if fr1&^bxcan.MirTXRQ == p {
		return 0
	}
	if fr2&^bxcan.MirTXRQ == p {
		return 1
	}
	return -1
}

func match32Mask(p, value, mask uint32) int {
	if (p^value)&mask&^bxcan.MirTXRQ == 0 {
		return 0
	}
	return -1
}

func match16List(p uint16, fr1, fr2 uint32) int {
	slots := [4]uint16{uint16(fr1), uint16(fr1 >> 16), uint16(fr2), uint16(fr2 >> 16)}
	for i, w := range slots {
		if w == p {
			return i
		}
	}
	return -1
}

func match16Mask(p uint16, fr1, fr2 uint32) int {
	if (p^uint16(fr1))&uint16(fr1>>16) == 0 {
		return 0
	}
	if (p^uint16(fr2))&uint16(fr2>>16) == 0 {
		return 1
	}
	return -1
}

// framePattern16 projects a frame identifier onto the 16-bit filter
// pattern layout. Extended identifiers keep their top bits, an exact
// extended match is not expressible at this scale.
func framePattern16(f bxcan.Frame) uint16 {
	if f.Extended {
		w := uint16(f.ID>>18&bxcan.MaxStandardID)<<5 | 1<<3 | uint16(f.ID>>15&0x7)
		if f.RTR {
			w |= 1 << 4
		}
		return w
	}
	return codec.Pattern16(f.ID, f.RTR)
}

// Inject delivers a frame to the controller as if it arrived from the
// wire, bridges feed inbound traffic through here.
func (c *Controller) Inject(f bxcan.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receive(f)
}

// InjectTxFailure arms one transmission failure. The next transmission
// that would complete concludes with a transmit error and an
// acknowledgement error code instead.
func (c *Controller) InjectTxFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failTx++
}

// InjectBusError records an error code as if the protocol engine had
// observed it on the wire
func (c *Controller) InjectBusError(lec uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLEC(lec)
}

// SetBusIdle sets the sampled bus level reported through the status
// register, true means recessive idle
func (c *Controller) SetBusIdle(idle bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busIdle = idle
}
