// Package bridge moves frames between a simulated controller and a real
// CAN transport. A connected bridge forwards everything the controller
// transmits out the transport and injects everything seen on the
// transport back into the controller, so the driver stack above behaves
// as if the peripheral were wired to a physical bus.
package bridge

import (
	"fmt"

	bxcan "github.com/samsamfire/gobxcan"
)

// Receiver accepts frames arriving from the transport. A virtual
// controller satisfies it with its Inject method.
type Receiver interface {
	Inject(frame bxcan.Frame)
}

// A CAN transport bridge. Send also satisfies the virtual controller
// Link interface, so a connected bridge can be attached directly as the
// controller transmission medium.
type Bridge interface {
	Connect(...any) error         // Open the transport and start forwarding
	Disconnect() error            // Close the transport
	Send(frame bxcan.Frame) error // Send a frame through the transport
	Subscribe(rx Receiver) error  // Route frames seen on the transport into rx
}

// Register a new transport type
// This should be called inside an init() function of plugin
func RegisterTransport(transportType string, newTransport NewTransportFunc) {
	transportRegistry[transportType] = newTransport
}

type NewTransportFunc func(channel string, bitrate uint32) (Bridge, error)

var transportRegistry = make(map[string]NewTransportFunc)

// Create a new bridge with given transport
// Currently supported : socketcan, slcan
func NewBridge(transport string, channel string, bitrate uint32) (Bridge, error) {
	createTransport, ok := transportRegistry[transport]
	if !ok {
		return nil, fmt.Errorf("unsupported transport : %v", transport)
	}
	return createTransport(channel, bitrate)
}
