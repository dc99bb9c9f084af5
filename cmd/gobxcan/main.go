package main

// Bus monitor built on the driver stack. Frames seen on the configured
// transport are logged, bus health is polled continuously and exported
// through the metrics endpoint. With -beacon the monitor also transmits
// a counter frame every second, which exercises the full transmit path.

import (
	"encoding/binary"
	"flag"
	"time"

	log "github.com/sirupsen/logrus"

	bxcan "github.com/samsamfire/gobxcan"
	"github.com/samsamfire/gobxcan/pkg/bridge"
	_ "github.com/samsamfire/gobxcan/pkg/bridge/slcan"
	_ "github.com/samsamfire/gobxcan/pkg/bridge/socketcan"
	"github.com/samsamfire/gobxcan/pkg/config"
	"github.com/samsamfire/gobxcan/pkg/driver"
	"github.com/samsamfire/gobxcan/pkg/fault"
	"github.com/samsamfire/gobxcan/pkg/metrics"
	"github.com/samsamfire/gobxcan/pkg/virtual"
)

var DEFAULT_TRANSPORT = "socketcan"
var DEFAULT_CHANNEL = "can0"
var DEFAULT_CLOCK = uint(36_000_000)
var DEFAULT_BITRATE = uint(500_000)

const pollEvery = 10 * time.Millisecond

func main() {
	configPath := flag.String("c", "", "settings file, overrides the other flags")
	transport := flag.String("t", DEFAULT_TRANSPORT, "transport e.g. socketcan,slcan")
	channel := flag.String("i", DEFAULT_CHANNEL, "channel e.g. can0,/dev/ttyACM0")
	clock := flag.Uint("clock", DEFAULT_CLOCK, "peripheral clock in Hz")
	bitrate := flag.Uint("b", DEFAULT_BITRATE, "bitrate in bit/s")
	silent := flag.Bool("silent", false, "listen only, never drive the bus")
	beacon := flag.Uint("beacon", 0, "transmit a counter frame every second with this identifier")
	listen := flag.String("metrics", "", "metrics listen address e.g. :8080")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	log.SetLevel(log.InfoLevel)
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	settings, err := resolveSettings(*configPath, *transport, *channel, uint32(*clock), uint32(*bitrate), *silent, *listen)
	if err != nil {
		panic(err)
	}

	ctrl := virtual.NewController(settings.Channel, nil)
	b, err := bridge.NewBridge(settings.Transport, settings.Channel, settings.Bitrate)
	if err != nil {
		panic(err)
	}
	if err := b.Subscribe(ctrl); err != nil {
		panic(err)
	}
	ctrl.AttachLink(b)
	if err := b.Connect(); err != nil {
		panic(err)
	}

	drv := driver.New(ctrl, nil, nil)
	if err := drv.Init(settings.Driver); err != nil {
		panic(err)
	}

	if settings.Metrics != "" {
		metrics.SetReadinessFunc(func() bool { return drv.State() != fault.BusOff })
		metrics.StartHTTP(settings.Metrics)
	}

	monitor(drv, uint32(*beacon))
}

// resolveSettings prefers the settings file and falls back to flags
func resolveSettings(path, transport, channel string, clock, bitrate uint32, silent bool, listen string) (*config.Settings, error) {
	if path != "" {
		return config.Load(path)
	}
	timing, err := bxcan.TimingForBitrate(clock, bitrate)
	if err != nil {
		return nil, err
	}
	s := &config.Settings{
		Clock:     clock,
		Bitrate:   bitrate,
		Transport: transport,
		Channel:   channel,
		Metrics:   listen,
	}
	s.Driver.Timing = timing
	if silent {
		s.Driver.Mode = bxcan.ModeSilent
	}
	return s, nil
}

func monitor(drv *driver.Driver, beacon uint32) {
	poll := time.NewTicker(pollEvery)
	stats := time.NewTicker(10 * time.Second)
	tick := time.NewTicker(time.Second)
	count := uint64(0)

	for {
		select {
		case <-poll.C:
			drv.PollBus()
			for {
				rx, err := drv.Receive()
				if err != nil {
					log.Warnf("[CAN] receive : %v", err)
					continue
				}
				if rx == nil {
					break
				}
				log.Infof("[CAN] rx %v (filter %d, fifo %d)", rx.Frame.String(), rx.Match, rx.FIFO)
			}
		case <-tick.C:
			if beacon == 0 {
				continue
			}
			var payload [8]byte
			binary.BigEndian.PutUint64(payload[:], count)
			count++
			if _, err := drv.TryTransmit(bxcan.NewFrame(beacon, payload[:]...)); err != nil {
				log.Warnf("[CAN] beacon : %v", err)
			}
		case <-stats.C:
			snap := drv.Stats()
			tec, rec := drv.Counters()
			log.Infof("[CAN] state %v tec %d rec %d tx %d rx %d errors %d",
				drv.State(), tec, rec, snap.TxFrames, snap.RxFrames, snap.BusErrors)
		}
	}
}
