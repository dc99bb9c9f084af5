// Package slcan bridges serial line CAN adapters speaking the Lawicel
// command set (CANUSB, CANable and friends) through tarm/serial.
package slcan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	bxcan "github.com/samsamfire/gobxcan"
	"github.com/samsamfire/gobxcan/pkg/bridge"
	"github.com/samsamfire/gobxcan/pkg/metrics"
)

func init() {
	bridge.RegisterTransport("slcan", NewSlcanBridge)
}

// Setup codes from the Lawicel command set
var setupCodes = map[uint32]byte{
	10_000:    '0',
	20_000:    '1',
	50_000:    '2',
	100_000:   '3',
	125_000:   '4',
	250_000:   '5',
	500_000:   '6',
	800_000:   '7',
	1_000_000: '8',
}

const (
	defaultBaud = 115200
	readTimeout = 500 * time.Millisecond
	readBufSize = 512
)

type SlcanBridge struct {
	mu        sync.Mutex
	port      Port
	logger    *slog.Logger
	setupCode byte
	rx        bridge.Receiver
	connected bool
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewSlcanBridge(name string, bitrate uint32) (bridge.Bridge, error) {
	code, ok := setupCodes[bitrate]
	if !ok {
		return nil, fmt.Errorf("bitrate %d : %w", bitrate, bxcan.ErrIllegalBitrate)
	}
	port, err := openPort(name, defaultBaud, readTimeout)
	if err != nil {
		return nil, err
	}
	return &SlcanBridge{
		port:      port,
		logger:    slog.Default().With("service", "[SLCAN]"),
		setupCode: code,
	}, nil
}

// "Connect" implementation of Bridge interface. It closes any stale
// channel on the adapter, programs the bit timing and opens the
// channel, then starts the receive loop.
func (slcan *SlcanBridge) Connect(...any) error {
	slcan.mu.Lock()
	defer slcan.mu.Unlock()
	if slcan.connected {
		return nil
	}
	setup := []byte{'C', terminator, 'S', slcan.setupCode, terminator, 'O', terminator}
	if _, err := slcan.port.Write(setup); err != nil {
		return fmt.Errorf("adapter setup : %w", err)
	}
	slcan.done = make(chan struct{})
	slcan.connected = true
	slcan.wg.Add(1)
	go slcan.readLoop(slcan.done)
	return nil
}

// "Disconnect" implementation of Bridge interface
func (slcan *SlcanBridge) Disconnect() error {
	slcan.mu.Lock()
	if !slcan.connected {
		slcan.mu.Unlock()
		return nil
	}
	slcan.connected = false
	close(slcan.done)
	_, _ = slcan.port.Write([]byte{'C', terminator})
	err := slcan.port.Close()
	slcan.mu.Unlock()
	slcan.wg.Wait()
	return err
}

// "Send" implementation of Bridge interface
func (slcan *SlcanBridge) Send(frame bxcan.Frame) error {
	slcan.mu.Lock()
	defer slcan.mu.Unlock()
	if !slcan.connected {
		return bxcan.ErrNotAttached
	}
	if _, err := slcan.port.Write(Encode(frame)); err != nil {
		return fmt.Errorf("serial write : %w", err)
	}
	metrics.IncBridgeTx()
	return nil
}

// "Subscribe" implementation of Bridge interface
func (slcan *SlcanBridge) Subscribe(rx bridge.Receiver) error {
	slcan.mu.Lock()
	defer slcan.mu.Unlock()
	slcan.rx = rx
	return nil
}

func (slcan *SlcanBridge) readLoop(done chan struct{}) {
	defer slcan.wg.Done()
	buf := make([]byte, readBufSize)
	acc := bytes.NewBuffer(nil)
	for {
		select {
		case <-done:
			return
		default:
		}
		n, err := slcan.port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			DecodeStream(acc, slcan.deliver)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				continue // read timeout on some platforms
			}
			select {
			case <-done: // shutting down, the port error is expected
			default:
				slcan.logger.Error("serial read failed", "error", err)
			}
			return
		}
	}
}

func (slcan *SlcanBridge) deliver(frame bxcan.Frame) {
	slcan.mu.Lock()
	rx := slcan.rx
	slcan.mu.Unlock()
	if rx != nil {
		rx.Inject(frame)
	}
}
