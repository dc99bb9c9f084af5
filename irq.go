package bxcan

// Interrupt lines a bxCAN instance can raise. The platform routes them
// through its interrupt controller, outside this module.
type InterruptLine uint8

const (
	LineTransmit InterruptLine = iota // a mailbox completed
	LineReceive0                      // FIFO 0 pending / full / overrun
	LineReceive1                      // FIFO 1 pending / full / overrun
	LineError                         // error and status change events
)

// InterruptController is the capability over the platform's interrupt
// routing. Enable and Disable switch a line for good, Suspend masks a
// line and hands back the closure that restores its previous state.
type InterruptController interface {
	Enable(line InterruptLine)
	Disable(line InterruptLine)
	Suspend(line InterruptLine) (restore func())
}

// Critical runs fn with the given lines suspended. There is no true
// parallelism on the target, only interruption, so masking the lines
// that share the touched state is the whole synchronization story.
func Critical(ic InterruptController, fn func(), lines ...InterruptLine) {
	for _, l := range lines {
		defer ic.Suspend(l)()
	}
	fn()
}

// NopInterrupts serves purely polled setups and tests, where no line is
// routed and there is nothing to mask.
type NopInterrupts struct{}

func (NopInterrupts) Enable(InterruptLine)  {}
func (NopInterrupts) Disable(InterruptLine) {}

func (NopInterrupts) Suspend(InterruptLine) func() {
	return func() {}
}
