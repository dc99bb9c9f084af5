package virtual

import (
	"log/slog"
	"sync"

	bxcan "github.com/samsamfire/gobxcan"
	"github.com/samsamfire/gobxcan/pkg/codec"
)

// settleLimit caps a Settle run, three mailboxes per node keeps real
// backlogs far below this
const settleLimit = 256

// Bus connects controllers and arbitrates between them in discrete
// steps. One Step moves at most one frame, the pending mailbox with the
// lowest arbitration key across all attached nodes wins, exactly like
// identifier arbitration on the wire.
type Bus struct {
	mu     sync.Mutex
	logger *slog.Logger
	nodes  []*Controller
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger.With("service", "[VBUS]")}
}

// Attach connects a controller to the bus. A controller is either on a
// bus or on a link, not both.
func (b *Bus) Attach(c *Controller) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c.mu.Lock()
	c.bus = b
	c.mu.Unlock()
	b.nodes = append(b.nodes, c)
}

type nomination struct {
	node    *Controller
	mailbox uint8
	key     uint32
	seq     uint64
}

// Step runs one arbitration round. The winning frame concludes on its
// controller and is offered to every other node's acceptance filters,
// nominated losers conclude with arbitration lost. Returns false once
// no node has anything pending.
func (b *Bus) Step() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	var noms []nomination
	for _, c := range b.nodes {
		if n, ok := c.nominate(); ok {
			noms = append(noms, n)
		}
	}
	if len(noms) == 0 {
		return false
	}

	// Identical keys cannot happen on a healthy bus, two nodes sending
	// the same identifier at once is a protocol violation. Attach order
	// breaks such ties deterministically.
	win := 0
	for i := 1; i < len(noms); i++ {
		if noms[i].key < noms[win].key {
			win = i
		}
	}
	for i := range noms {
		if i != win {
			noms[i].node.loseArbitration(noms[i].mailbox)
		}
	}
	frame, sent := noms[win].node.completeWinner(noms[win].mailbox)
	if !sent {
		return true
	}
	for _, c := range b.nodes {
		if c != noms[win].node {
			c.receiveWire(frame)
		}
	}
	b.logger.Debug("frame moved", "node", noms[win].node.name, "frame", frame.String())
	return true
}

// Settle steps until the bus goes quiet, returns the number of rounds run
func (b *Bus) Settle() int {
	rounds := 0
	for b.Step() {
		rounds++
		if rounds >= settleLimit {
			break
		}
	}
	return rounds
}

// nominate picks the controller's best pending mailbox for the next
// arbitration round. Silent nodes never nominate.
func (c *Controller) nominate() (nomination, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mode := bxcan.ModeFromBits(c.btimr)
	if mode == bxcan.ModeSilent || mode == bxcan.ModeLoopbackSilent {
		return nomination{}, false
	}
	if c.ctlr&bxcan.CtlrINRQ != 0 {
		return nomination{}, false
	}
	best := nomination{node: c}
	found := false
	for n := uint8(0); n < bxcan.MailboxCount; n++ {
		if !c.tx[n].pending {
			continue
		}
		key := codec.ArbitrationKey(c.txFrame(n))
		better := !found || key < best.key ||
			(key == best.key && c.tx[n].seq < best.seq)
		if better {
			best.mailbox, best.key, best.seq = n, key, c.tx[n].seq
			found = true
		}
	}
	return best, found
}

// completeWinner concludes the round winner, delivering to itself when
// loopback is on
func (c *Controller) completeWinner(n uint8) (bxcan.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.tx[n].pending {
		return bxcan.Frame{}, false
	}
	return c.finishTx(n, bxcan.ModeFromBits(c.btimr) == bxcan.ModeLoopback)
}

// loseArbitration concludes a nominated mailbox that lost the round.
// Retransmission is not attempted, matching single shot operation.
func (c *Controller) loseArbitration(n uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.tx[n].pending {
		return
	}
	c.tx[n].pending = false
	c.tstatr |= bxcan.TstatrRQCP(n) | bxcan.TstatrALST(n)
}

// receiveWire offers a foreign frame to the node's filters. Loopback
// nodes are disconnected from the receive pin and see only themselves.
func (c *Controller) receiveWire(f bxcan.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mode := bxcan.ModeFromBits(c.btimr)
	if mode == bxcan.ModeLoopback || mode == bxcan.ModeLoopbackSilent {
		return
	}
	c.receive(f)
}
