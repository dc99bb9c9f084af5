package socketcan

import (
	sockcan "github.com/brutella/can"

	bxcan "github.com/samsamfire/gobxcan"
	"github.com/samsamfire/gobxcan/pkg/bridge"
)

// Basic wrapper for socketcan it uses the implementation
// that can be found here : https://github.com/brutella/can

// SocketCAN folds the frame flags into the upper bits of the 32 bit
// identifier, same values as <linux/can.h>
const (
	canEffFlag uint32 = 0x80000000
	canRtrFlag uint32 = 0x40000000
	canErrFlag uint32 = 0x20000000
)

func init() {
	bridge.RegisterTransport("socketcan", NewSocketcanBridge)
}

type SocketcanBridge struct {
	bus *sockcan.Bus
	rx  bridge.Receiver
}

// "Connect" implementation of Bridge interface
func (socketcan *SocketcanBridge) Connect(...any) error {
	go func() {
		err := socketcan.bus.ConnectAndPublish()
		if err != nil {
			return
		}
	}()
	return nil
}

// "Disconnect" implementation of Bridge interface
func (socketcan *SocketcanBridge) Disconnect() error {
	return socketcan.bus.Disconnect()
}

// "Send" implementation of Bridge interface
func (socketcan *SocketcanBridge) Send(frame bxcan.Frame) error {
	return socketcan.bus.Publish(
		sockcan.Frame{
			ID:     PackID(frame),
			Length: frame.DLC,
			Flags:  0,
			Res0:   0,
			Res1:   0,
			Data:   frame.Data,
		})
}

// "Subscribe" implementation of Bridge interface
func (socketcan *SocketcanBridge) Subscribe(rx bridge.Receiver) error {
	socketcan.rx = rx
	// brutella/can defines a "Handle" interface for handling received CAN frames
	socketcan.bus.Subscribe(socketcan)
	return nil
}

// brutella/can specific "Handle" implementation. Error frames carry
// controller diagnostics, not bus traffic, and are dropped here.
func (socketcan *SocketcanBridge) Handle(frame sockcan.Frame) {
	if socketcan.rx == nil || frame.ID&canErrFlag != 0 {
		return
	}
	socketcan.rx.Inject(Unpack(frame))
}

// The interface bitrate is configured out of band with ip link, the
// bitrate argument is accepted for registry compatibility and ignored.
func NewSocketcanBridge(name string, bitrate uint32) (bridge.Bridge, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(name)
	return &SocketcanBridge{bus: bus}, err
}

// PackID folds the identifier and the frame flags into one SocketCAN
// style 32 bit identifier
func PackID(frame bxcan.Frame) uint32 {
	id := frame.ID & bxcan.MaxStandardID
	if frame.Extended {
		id = frame.ID&bxcan.MaxExtendedID | canEffFlag
	}
	if frame.RTR {
		id |= canRtrFlag
	}
	return id
}

// Unpack converts a SocketCAN frame back, splitting the flag bits out
// of the identifier
func Unpack(frame sockcan.Frame) bxcan.Frame {
	f := bxcan.Frame{
		Extended: frame.ID&canEffFlag != 0,
		RTR:      frame.ID&canRtrFlag != 0,
		DLC:      frame.Length,
		Data:     frame.Data,
	}
	if f.Extended {
		f.ID = frame.ID & bxcan.MaxExtendedID
	} else {
		f.ID = frame.ID & bxcan.MaxStandardID
	}
	if f.DLC > bxcan.MaxDLC {
		f.DLC = bxcan.MaxDLC
	}
	return f
}
