// Package rxfifo drains the two receive FIFOs. FIFO0 holds the higher
// priority traffic and is always drained first. An overrun is reported
// exactly once, then reading resumes with whatever survived.
package rxfifo

import (
	"log/slog"

	bxcan "github.com/samsamfire/gobxcan"
	"github.com/samsamfire/gobxcan/pkg/codec"
)

// Received is one frame lifted out of a FIFO together with the index
// of the filter slot that accepted it
type Received struct {
	Frame bxcan.Frame
	Match uint8
	FIFO  uint8
}

// Reader drains the receive FIFOs of one controller
type Reader struct {
	regs   bxcan.Registers
	irq    bxcan.InterruptController
	logger *slog.Logger
}

func NewReader(regs bxcan.Registers, irq bxcan.InterruptController, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		regs:   regs,
		irq:    irq,
		logger: logger.With("service", "[RXFIFO]"),
	}
}

// Poll reads at most one frame. A pending overrun flag outranks any
// stored frame, it is cleared and reported as ErrOverrun so the caller
// learns about the loss exactly once. With both FIFOs empty the result
// is (nil, nil).
func (r *Reader) Poll() (*Received, error) {
	var rx *Received
	var err error
	bxcan.Critical(r.irq, func() {
		rx, err = r.poll()
	}, bxcan.LineReceive0, bxcan.LineReceive1)
	return rx, err
}

func (r *Reader) poll() (*Received, error) {
	for fifo := uint8(0); fifo < bxcan.RxFIFOCount; fifo++ {
		reg := bxcan.RegRFIFO0
		if fifo == 1 {
			reg = bxcan.RegRFIFO1
		}
		status := r.regs.Read(reg)
		if status&bxcan.RfifoFOVR != 0 {
			r.regs.Write(reg, bxcan.RfifoFOVR)
			r.logger.Warn("receive overrun", "fifo", fifo)
			return nil, bxcan.ErrOverrun
		}
		if status&bxcan.RfifoFMPMask == 0 {
			continue
		}
		base := bxcan.RxMailbox(fifo)
		frame, match := codec.RxFrame(
			r.regs.Read(base+bxcan.MailboxMIR),
			r.regs.Read(base+bxcan.MailboxMDTR),
			r.regs.Read(base+bxcan.MailboxMDLR),
			r.regs.Read(base+bxcan.MailboxMDHR),
		)
		r.regs.Write(reg, bxcan.RfifoRFOM)
		return &Received{Frame: frame, Match: match, FIFO: fifo}, nil
	}
	return nil, nil
}

// Pending returns the number of frames waiting across both FIFOs
func (r *Reader) Pending() int {
	count := 0
	bxcan.Critical(r.irq, func() {
		count += int(r.regs.Read(bxcan.RegRFIFO0) & bxcan.RfifoFMPMask)
		count += int(r.regs.Read(bxcan.RegRFIFO1) & bxcan.RfifoFMPMask)
	}, bxcan.LineReceive0, bxcan.LineReceive1)
	return count
}
