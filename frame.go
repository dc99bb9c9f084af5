package bxcan

import "fmt"

// Identifier bounds for the two frame kinds
const (
	MaxStandardID uint32 = 0x7FF
	MaxExtendedID uint32 = 0x1FFFFFFF
)

// MaxDLC is the largest data length code of a classical CAN frame
const MaxDLC uint8 = 8

// A CAN frame, standard or extended, data or remote
type Frame struct {
	ID       uint32
	Extended bool
	RTR      bool
	DLC      uint8
	Data     [8]byte
}

// NewFrame returns a standard data frame with the given identifier and payload
func NewFrame(id uint32, data ...byte) Frame {
	f := Frame{ID: id, DLC: uint8(len(data))}
	copy(f.Data[:], data)
	return f
}

// NewExtendedFrame returns an extended (29 bit identifier) data frame
func NewExtendedFrame(id uint32, data ...byte) Frame {
	f := NewFrame(id, data...)
	f.Extended = true
	return f
}

// NewRemoteFrame returns a remote transmission request.
// The DLC of a remote frame encodes the requested length, there is no payload.
func NewRemoteFrame(id uint32, extended bool, dlc uint8) Frame {
	return Frame{ID: id, Extended: extended, RTR: true, DLC: dlc}
}

// Validate checks the frame invariants : the identifier fits its declared
// width and the DLC does not exceed the payload capacity. Frames failing
// this are programmer errors and are rejected before encoding, never clamped.
func (f Frame) Validate() error {
	maxID := MaxStandardID
	if f.Extended {
		maxID = MaxExtendedID
	}
	if f.ID > maxID {
		return ErrInvalidID
	}
	if f.DLC > MaxDLC {
		return ErrInvalidDLC
	}
	return nil
}

// Payload returns the data bytes truncated to the declared length
func (f Frame) Payload() []byte {
	if f.DLC > MaxDLC {
		return f.Data[:]
	}
	return f.Data[:f.DLC]
}

func (f Frame) String() string {
	kind := "std"
	if f.Extended {
		kind = "ext"
	}
	if f.RTR {
		return fmt.Sprintf("%s x%X rtr dlc=%d", kind, f.ID, f.DLC)
	}
	return fmt.Sprintf("%s x%X %X", kind, f.ID, f.Payload())
}
