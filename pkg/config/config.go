// Package config loads driver settings from an INI file. Numeric values
// accept the 0x prefix, filters live in numbered [filter.N] sections
// that are applied in order.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	bxcan "github.com/samsamfire/gobxcan"
	"github.com/samsamfire/gobxcan/pkg/driver"
	"github.com/samsamfire/gobxcan/pkg/filter"
)

// Settings is everything a deployment reads from one file
type Settings struct {
	Driver  driver.Config
	Clock   uint32 // peripheral clock in Hz, used when the timing was solved
	Bitrate uint32 // requested bitrate, zero when timing was explicit

	// Bridge selection for running against a real bus
	Transport string
	Channel   string

	// Listen address for the metrics endpoint, empty disables it
	Metrics string
}

// Load reads and resolves a settings file.
//
// The [can] section selects mode and either clock plus bitrate, leaving
// the bit timing to the solver, or an explicit [timing] section with
// prescaler, seg1, seg2 and sjw. Explicit timing wins when both are
// present.
func Load(path string) (*Settings, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading %v : %w", path, err)
	}
	return parse(f)
}

// LoadFrom parses settings from in-memory INI data
func LoadFrom(data []byte) (*Settings, error) {
	f, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("parsing settings : %w", err)
	}
	return parse(f)
}

func parse(f *ini.File) (*Settings, error) {
	s := &Settings{}
	can := f.Section("can")

	mode, err := parseMode(can.Key("mode").MustString("normal"))
	if err != nil {
		return nil, err
	}
	s.Driver.Mode = mode
	s.Transport = can.Key("transport").String()
	s.Channel = can.Key("channel").String()
	s.Metrics = f.Section("metrics").Key("listen").String()

	if err := parseTiming(f, s); err != nil {
		return nil, err
	}
	specs, err := parseFilters(f)
	if err != nil {
		return nil, err
	}
	s.Driver.Filters = specs
	return s, nil
}

func parseMode(v string) (bxcan.Mode, error) {
	switch strings.ToLower(v) {
	case "normal":
		return bxcan.ModeNormal, nil
	case "loopback":
		return bxcan.ModeLoopback, nil
	case "silent":
		return bxcan.ModeSilent, nil
	case "loopback-silent", "silent-loopback":
		return bxcan.ModeLoopbackSilent, nil
	}
	return 0, fmt.Errorf("unknown mode %q : %w", v, bxcan.ErrInvalidSpec)
}

func parseTiming(f *ini.File, s *Settings) error {
	if sec, err := f.GetSection("timing"); err == nil && sec.HasKey("prescaler") {
		prescaler, err := parseNum(sec, "prescaler", 16)
		if err != nil {
			return err
		}
		seg1, err := parseNum(sec, "seg1", 8)
		if err != nil {
			return err
		}
		seg2, err := parseNum(sec, "seg2", 8)
		if err != nil {
			return err
		}
		sjw, err := parseNum(sec, "sjw", 8)
		if err != nil {
			return err
		}
		s.Driver.Timing = bxcan.BitTiming{
			Prescaler: uint16(prescaler),
			Seg1:      uint8(seg1),
			Seg2:      uint8(seg2),
			SJW:       uint8(sjw),
		}
		return s.Driver.Timing.Validate()
	}

	can := f.Section("can")
	clock, err := parseNum(can, "clock", 32)
	if err != nil {
		return err
	}
	bitrate, err := parseNum(can, "bitrate", 32)
	if err != nil {
		return err
	}
	s.Clock = uint32(clock)
	s.Bitrate = uint32(bitrate)
	timing, err := bxcan.TimingForBitrate(s.Clock, s.Bitrate)
	if err != nil {
		return err
	}
	s.Driver.Timing = timing
	return nil
}

// parseFilters walks [filter.0], [filter.1], ... until the numbering
// stops. Gaps end the walk, keeping application order obvious.
func parseFilters(f *ini.File) ([]filter.Spec, error) {
	specs := []filter.Spec{}
	for i := 0; ; i++ {
		sec, err := f.GetSection(fmt.Sprintf("filter.%d", i))
		if err != nil {
			return specs, nil
		}
		spec, err := parseFilter(sec)
		if err != nil {
			return nil, fmt.Errorf("filter.%d : %w", i, err)
		}
		specs = append(specs, spec)
	}
}

func parseFilter(sec *ini.Section) (filter.Spec, error) {
	spec := filter.Spec{}

	switch kind := strings.ToLower(sec.Key("kind").MustString("mask")); kind {
	case "mask":
		spec.Kind = filter.Mask
	case "list":
		spec.Kind = filter.List
	default:
		return spec, fmt.Errorf("unknown kind %q : %w", kind, bxcan.ErrInvalidSpec)
	}

	switch scale := sec.Key("scale").MustString("32"); scale {
	case "32":
	case "16":
		spec.Scale16 = true
	default:
		return spec, fmt.Errorf("scale %v is not 16 or 32 : %w", scale, bxcan.ErrInvalidSpec)
	}

	fifo, err := parseNum(sec, "fifo", 8)
	if err != nil {
		return spec, err
	}
	spec.FIFO = uint8(fifo)

	extended := sec.Key("extended").MustBool(false)
	rtr := sec.Key("rtr").MustBool(false)

	if spec.Kind == filter.List {
		for _, raw := range sec.Key("ids").Strings(",") {
			id, err := strconv.ParseUint(raw, 0, 32)
			if err != nil {
				return spec, fmt.Errorf("list id %q : %w", raw, err)
			}
			spec.Targets = append(spec.Targets, filter.Target{
				ID:       uint32(id),
				Extended: extended,
				RTR:      rtr,
			})
		}
		return spec, nil
	}

	id, err := parseNum(sec, "id", 32)
	if err != nil {
		return spec, err
	}
	mask, err := parseNum(sec, "mask", 32)
	if err != nil {
		return spec, err
	}
	spec.Value = filter.Target{ID: uint32(id), Extended: extended, RTR: rtr}
	spec.Mask = filter.Target{
		ID:       uint32(mask),
		Extended: sec.Key("care_ide").MustBool(false),
		RTR:      sec.Key("care_rtr").MustBool(false),
	}
	return spec, nil
}

// parseNum reads one numeric key, base prefixes included
func parseNum(sec *ini.Section, name string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(sec.Key(name).MustString("0"), 0, bits)
	if err != nil {
		return 0, fmt.Errorf("key %v : %w", name, err)
	}
	return v, nil
}
