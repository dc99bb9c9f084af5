package socketcan

import (
	"testing"

	sockcan "github.com/brutella/can"
	"github.com/stretchr/testify/assert"

	bxcan "github.com/samsamfire/gobxcan"
)

func TestPackID(t *testing.T) {
	assert.Equal(t, uint32(0x123), PackID(bxcan.NewFrame(0x123, 0x01)))
	assert.Equal(t, uint32(0x80001234), PackID(bxcan.NewExtendedFrame(0x1234, 0x01)))
	assert.Equal(t, uint32(0x40000456), PackID(bxcan.NewRemoteFrame(0x456, false, 2)))
	assert.Equal(t, uint32(0xC0000789), PackID(bxcan.NewRemoteFrame(0x789, true, 0)))
}

func TestUnpackRoundTrip(t *testing.T) {
	frames := []bxcan.Frame{
		bxcan.NewFrame(0x123, 0xDE, 0xAD, 0xBE, 0xEF),
		bxcan.NewExtendedFrame(0x1ABCDEF0, 0x01),
		bxcan.NewRemoteFrame(0x7FF, false, 8),
		bxcan.NewRemoteFrame(bxcan.MaxExtendedID, true, 3),
	}
	for _, f := range frames {
		wire := sockcan.Frame{ID: PackID(f), Length: f.DLC, Data: f.Data}
		assert.Equal(t, f, Unpack(wire))
	}
}

func TestUnpackClampsLength(t *testing.T) {
	f := Unpack(sockcan.Frame{ID: 0x100, Length: 12})
	assert.Equal(t, uint8(8), f.DLC)
}

type frameRecorder struct {
	frames []bxcan.Frame
}

func (r *frameRecorder) Inject(frame bxcan.Frame) {
	r.frames = append(r.frames, frame)
}

func TestHandleDropsErrorFrames(t *testing.T) {
	rx := &frameRecorder{}
	scb := &SocketcanBridge{rx: rx}

	scb.Handle(sockcan.Frame{ID: 0x20000001, Length: 8}) // error frame
	scb.Handle(sockcan.Frame{ID: 0x123, Length: 2, Data: [8]byte{0xAA, 0xBB}})

	assert.Len(t, rx.frames, 1)
	assert.Equal(t, uint32(0x123), rx.frames[0].ID)
	assert.Equal(t, []byte{0xAA, 0xBB}, rx.frames[0].Payload())
}

func TestHandleWithoutSubscriber(t *testing.T) {
	scb := &SocketcanBridge{}
	assert.NotPanics(t, func() {
		scb.Handle(sockcan.Frame{ID: 0x123, Length: 1})
	})
}
