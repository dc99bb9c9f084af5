// Package mailbox owns the three transmit mailboxes : first free wins
// assignment, hardware arbitration decides sending order, completion is
// observed by polling. Nothing here blocks and nothing queues, a full
// mailbox set is the caller's problem by design.
package mailbox

import (
	"log/slog"

	bxcan "github.com/samsamfire/gobxcan"
	"github.com/samsamfire/gobxcan/pkg/codec"
)

// Status of a transmit request
type Status uint8

const (
	StatusPending         Status = iota // loaded, hardware has not concluded it
	StatusCompleted                     // sent and acknowledged on the bus
	StatusAborted                       // cancelled, errored out or flushed by bus-off
	StatusArbitrationLost               // a higher priority frame pre-empted it, resubmit if still wanted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusAborted:
		return "aborted"
	case StatusArbitrationLost:
		return "arbitration-lost"
	}
	return "unknown"
}

// Terminal reports whether the mailbox has been reclaimed
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Handle names one granted mailbox use. The generation makes a handle
// stale once its mailbox has moved on to a later grant.
type Handle struct {
	mailbox uint8
	gen     uint32
}

// Mailbox returns the hardware mailbox index behind the handle
func (h Handle) Mailbox() uint8 {
	return h.mailbox
}

type outcome struct {
	gen    uint32
	status Status
}

// Manager owns the transmit mailbox set of one controller
type Manager struct {
	regs   bxcan.Registers
	irq    bxcan.InterruptController
	logger *slog.Logger

	gen       [bxcan.MailboxCount]uint32
	busy      [bxcan.MailboxCount]bool
	last      [bxcan.MailboxCount]outcome
	concluded []Status
}

func NewManager(regs bxcan.Registers, irq bxcan.InterruptController, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		regs:   regs,
		irq:    irq,
		logger: logger.With("service", "[MAILBOX]"),
	}
}

// Transmit loads the frame into the first empty mailbox and requests
// transmission. All loaded mailboxes contend in hardware arbitration
// together, no software ordering is imposed. With every mailbox busy
// it fails with ErrMailboxesFull, retry and backoff are the caller's.
func (m *Manager) Transmit(f bxcan.Frame) (Handle, error) {
	if err := f.Validate(); err != nil {
		return Handle{}, err
	}
	var h Handle
	err := bxcan.ErrMailboxesFull
	bxcan.Critical(m.irq, func() {
		tstatr := m.regs.Read(bxcan.RegTSTATR)
		for n := uint8(0); n < bxcan.MailboxCount; n++ {
			if m.busy[n] || tstatr&bxcan.TstatrTME(n) == 0 {
				continue
			}
			m.gen[n]++
			m.busy[n] = true
			h = Handle{mailbox: n, gen: m.gen[n]}
			m.load(n, f)
			err = nil
			break
		}
	}, bxcan.LineTransmit)
	if err != nil {
		return Handle{}, err
	}
	m.logger.Debug("transmit requested", "mailbox", h.mailbox, "frame", f.String())
	return h, nil
}

// load writes the mailbox registers, the identifier word goes last with
// the request bit already set
func (m *Manager) load(n uint8, f bxcan.Frame) {
	base := bxcan.TxMailbox(n)
	mir, mdtr, mdlr, mdhr := codec.TxRegisters(f)
	m.regs.Write(base+bxcan.MailboxMDTR, mdtr)
	m.regs.Write(base+bxcan.MailboxMDLR, mdlr)
	m.regs.Write(base+bxcan.MailboxMDHR, mdhr)
	m.regs.Write(base+bxcan.MailboxMIR, mir|bxcan.MirTXRQ)
}

// Poll reads the completion state of a granted mailbox without blocking.
// A terminal status reclaims the mailbox and stays readable through the
// same handle until a later grant of the mailbox concludes.
func (m *Manager) Poll(h Handle) (Status, error) {
	if h.mailbox >= bxcan.MailboxCount || h.gen == 0 {
		return StatusPending, bxcan.ErrStaleHandle
	}
	status := StatusPending
	var err error
	bxcan.Critical(m.irq, func() {
		n := h.mailbox
		if !m.busy[n] || m.gen[n] != h.gen {
			if m.last[n].gen == h.gen {
				status = m.last[n].status
				return
			}
			err = bxcan.ErrStaleHandle
			return
		}
		tstatr := m.regs.Read(bxcan.RegTSTATR)
		if tstatr&bxcan.TstatrRQCP(n) == 0 {
			return // still pending
		}
		status = m.conclude(n, tstatr)
	}, bxcan.LineTransmit)
	return status, err
}

// Cancel requests a best effort abort. The frame may still win the bus
// before the abort takes, Poll tells which way it went.
func (m *Manager) Cancel(h Handle) error {
	if h.mailbox >= bxcan.MailboxCount || h.gen == 0 {
		return bxcan.ErrStaleHandle
	}
	var err error
	bxcan.Critical(m.irq, func() {
		n := h.mailbox
		if !m.busy[n] || m.gen[n] != h.gen {
			if m.last[n].gen != h.gen {
				err = bxcan.ErrStaleHandle
			}
			return // already concluded, nothing to abort
		}
		m.regs.Write(bxcan.RegTSTATR, bxcan.TstatrABRQ(n))
	}, bxcan.LineTransmit)
	if err == nil {
		m.logger.Debug("abort requested", "mailbox", h.mailbox)
	}
	return err
}

// AbortAll flushes every granted mailbox, the bus-off path. Requests
// that had already concluded keep their real outcome, everything still
// in flight is force-set to aborted, visible through Poll.
func (m *Manager) AbortAll() {
	bxcan.Critical(m.irq, func() {
		for n := uint8(0); n < bxcan.MailboxCount; n++ {
			if !m.busy[n] {
				continue
			}
			m.regs.Write(bxcan.RegTSTATR, bxcan.TstatrABRQ(n))
			tstatr := m.regs.Read(bxcan.RegTSTATR)
			if tstatr&bxcan.TstatrRQCP(n) != 0 {
				m.conclude(n, tstatr)
				continue
			}
			// Hardware did not report back, record the abort ourselves
			m.busy[n] = false
			m.last[n] = outcome{gen: m.gen[n], status: StatusAborted}
			m.concluded = append(m.concluded, StatusAborted)
		}
	}, bxcan.LineTransmit)
	m.logger.Debug("aborted all pending mailboxes")
}

// conclude derives the terminal status from the completion flags,
// acknowledges them and reclaims the mailbox
func (m *Manager) conclude(n uint8, tstatr uint32) Status {
	status := StatusAborted
	switch {
	case tstatr&bxcan.TstatrTXOK(n) != 0:
		status = StatusCompleted
	case tstatr&bxcan.TstatrALST(n) != 0:
		status = StatusArbitrationLost
	}
	m.regs.Write(bxcan.RegTSTATR, bxcan.TstatrRQCP(n))
	m.busy[n] = false
	m.last[n] = outcome{gen: m.gen[n], status: status}
	m.concluded = append(m.concluded, status)
	return status
}

// TakeConcluded drains the terminal statuses recorded since the last
// call, each grant shows up exactly once
func (m *Manager) TakeConcluded() []Status {
	s := m.concluded
	m.concluded = nil
	return s
}

// Busy returns the number of granted mailboxes
func (m *Manager) Busy() int {
	count := 0
	for n := range m.busy {
		if m.busy[n] {
			count++
		}
	}
	return count
}
