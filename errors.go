package bxcan

import "errors"

var (
	ErrInvalidID        = errors.New("identifier does not fit its declared width")
	ErrInvalidDLC       = errors.New("data length code above 8")
	ErrInvalidTiming    = errors.New("bit timing field out of range")
	ErrIllegalBitrate   = errors.New("no exact bit timing for requested bitrate")
	ErrCapacityExceeded = errors.New("filter specs exceed the available filter banks")
	ErrInvalidSpec      = errors.New("malformed filter spec")
	ErrMailboxesFull    = errors.New("all transmit mailboxes are busy. Try again")
	ErrStaleHandle      = errors.New("mailbox was reassigned since this handle was issued")
	ErrOverrun          = errors.New("receive FIFO overrun, at least one frame was lost")
	ErrRxEmpty          = errors.New("no received frame pending")
	ErrBusOff           = errors.New("controller is bus-off, transmission disabled until recovery")
	ErrInitTimeout      = errors.New("controller did not acknowledge the mode change request")
	ErrNotAttached      = errors.New("controller is not attached to a bus or link")
)
