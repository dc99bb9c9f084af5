// Package filter owns the acceptance filter bank table : it translates
// application level filter specs into the mask / list bank registers and
// keeps the declaration order to hardware assignment mapping for
// diagnostics. Banks are only touched inside the scoped configuration
// mode that holds matching disabled until the table is consistent again.
package filter

import (
	"fmt"
	"log/slog"

	bxcan "github.com/samsamfire/gobxcan"
	"github.com/samsamfire/gobxcan/pkg/codec"
)

// Kind selects between a mask filter and an exact identifier list
type Kind uint8

const (
	Mask Kind = iota
	List
)

// Target is one identifier with its kind and remote flag
type Target struct {
	ID       uint32
	Extended bool
	RTR      bool
}

// Spec is one application level filter. List filters carry up to two
// targets at 32 bit scale and up to four at 16 bit scale. Mask filters
// carry a value and the care mask : a set mask field must match the
// value, a clear one accepts anything.
type Spec struct {
	Kind    Kind
	Scale16 bool
	FIFO    uint8

	Targets []Target // list targets

	Value Target // mask filter value
	Mask  Target // mask filter care bits
}

// AcceptAll is the zero care mask spec matching every well formed frame
func AcceptAll(fifo uint8) Spec {
	return Spec{Kind: Mask, FIFO: fifo}
}

// MatchIDs builds a 32 bit list spec for standard data frame identifiers
func MatchIDs(fifo uint8, ids ...uint32) Spec {
	s := Spec{Kind: List, FIFO: fifo}
	for _, id := range ids {
		s.Targets = append(s.Targets, Target{ID: id})
	}
	return s
}

// Assignment reports where one spec landed, in declaration order.
// Matches holds the hardware match index of each declared target, the
// value received frames carry back from the matching filter.
type Assignment struct {
	Bank    uint8
	FIFO    uint8
	Matches []uint8
}

// Manager owns the filter bank table of one controller
type Manager struct {
	regs        bxcan.Registers
	logger      *slog.Logger
	assignments []Assignment
}

func NewManager(regs bxcan.Registers, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		regs:   regs,
		logger: logger.With("service", "[FILTER]"),
	}
}

// Configure replaces the whole filter table with the given specs.
// Matching is disabled on entry and re-enabled on every exit path, so
// an error never leaves the peripheral half configured : the registers
// are only written once the full layout is known to fit.
func (m *Manager) Configure(specs []Spec) error {
	scope := m.beginConfig()
	defer scope.release()

	banks, assignments, err := layout(specs)
	if err != nil {
		return err
	}
	m.program(banks)
	m.assignments = assignments
	m.logger.Debug("configured filter banks", "specs", len(specs), "banks", len(banks))
	return nil
}

// DefaultAcceptAll configures the single zero care mask filter on FIFO 0,
// used when the caller supplies no filters of its own
func (m *Manager) DefaultAcceptAll() error {
	return m.Configure([]Spec{AcceptAll(0)})
}

// Assignments returns the spec to bank mapping of the last Configure
// call, in declaration order
func (m *Manager) Assignments() []Assignment {
	return m.assignments
}

// configScope holds the table in initialization mode. release runs on
// every exit of Configure, matching must never stay disabled behind us.
type configScope struct {
	regs bxcan.Registers
}

func (m *Manager) beginConfig() *configScope {
	bxcan.Modify(m.regs, bxcan.RegFCTLR, 0, bxcan.FctlrFINIT)
	return &configScope{regs: m.regs}
}

func (s *configScope) release() {
	bxcan.Modify(s.regs, bxcan.RegFCTLR, bxcan.FctlrFINIT, 0)
}

// bankPlan is the register image of one filter bank
type bankPlan struct {
	list    bool
	scale16 bool
	fifo    uint8
	used    uint8      // slots filled, pairs for 16 bit mask banks
	pat32   [2]uint32  // 32 bit patterns, or the value / mask pair
	pat16   [4]uint16  // 16 bit slots, id / mask interleaved for mask banks
}

func (b *bankPlan) free() uint8 {
	if !b.scale16 {
		return 0 // 32 bit banks hold a single spec
	}
	if b.list {
		return 4 - b.used
	}
	return 2 - b.used
}

// hwSlots is the number of filter match indexes the bank consumes,
// fixed by its mode and scale
func (b *bankPlan) hwSlots() uint8 {
	if b.scale16 {
		if b.list {
			return 4
		}
		return 2
	}
	if b.list {
		return 2
	}
	return 1
}

func (b *bankPlan) words() (fr1, fr2 uint32) {
	if b.scale16 {
		return uint32(b.pat16[0]) | uint32(b.pat16[1])<<16,
			uint32(b.pat16[2]) | uint32(b.pat16[3])<<16
	}
	return b.pat32[0], b.pat32[1]
}

type placement struct {
	bank  int
	slot  uint8
	count uint8
}

// layout validates the specs and packs them into banks. Pure, the
// registers are untouched until the whole plan is known good.
func layout(specs []Spec) ([]bankPlan, []Assignment, error) {
	banks := []bankPlan{}
	places := make([]placement, len(specs))

	for i, s := range specs {
		if err := validate(s); err != nil {
			return nil, nil, fmt.Errorf("spec %d : %w", i, err)
		}
		need := uint8(1)
		if s.Kind == List {
			need = uint8(len(s.Targets))
		}

		// Consecutive 16 bit specs of the same shape share a bank
		var b *bankPlan
		if s.Scale16 && len(banks) > 0 {
			last := &banks[len(banks)-1]
			if last.scale16 && last.list == (s.Kind == List) && last.fifo == s.FIFO && last.free() >= need {
				b = last
			}
		}
		if b == nil {
			banks = append(banks, bankPlan{
				list:    s.Kind == List,
				scale16: s.Scale16,
				fifo:    s.FIFO,
			})
			b = &banks[len(banks)-1]
		}
		places[i] = placement{bank: len(banks) - 1, slot: b.used, count: need}
		fill(b, s)
	}

	if len(banks) > bxcan.FilterBankCount {
		return nil, nil, fmt.Errorf("%d banks needed, %d available : %w",
			len(banks), bxcan.FilterBankCount, bxcan.ErrCapacityExceeded)
	}

	for i := range banks {
		padUnusedSlots(&banks[i])
	}

	// Hardware numbers filters per FIFO, walking active banks in order
	var perFIFO [bxcan.RxFIFOCount]uint8
	bankBase := make([]uint8, len(banks))
	for i, b := range banks {
		bankBase[i] = perFIFO[b.fifo]
		perFIFO[b.fifo] += b.hwSlots()
	}

	assignments := make([]Assignment, len(specs))
	for i, p := range places {
		a := Assignment{Bank: uint8(p.bank), FIFO: banks[p.bank].fifo}
		for j := uint8(0); j < p.count; j++ {
			a.Matches = append(a.Matches, bankBase[p.bank]+p.slot+j)
		}
		assignments[i] = a
	}
	return banks, assignments, nil
}

func fill(b *bankPlan, s Spec) {
	switch {
	case s.Kind == Mask && !s.Scale16:
		b.pat32[0] = codec.Pattern32(s.Value.ID, s.Value.Extended, s.Value.RTR)
		b.pat32[1] = maskWord32(s.Value, s.Mask)
		b.used = 1
	case s.Kind == List && !s.Scale16:
		for j, t := range s.Targets {
			b.pat32[j] = codec.Pattern32(t.ID, t.Extended, t.RTR)
		}
		b.used = uint8(len(s.Targets))
	case s.Kind == Mask:
		b.pat16[2*b.used] = codec.Pattern16(s.Value.ID, s.Value.RTR)
		b.pat16[2*b.used+1] = maskWord16(s.Mask)
		b.used++
	default: // 16 bit list
		for _, t := range s.Targets {
			b.pat16[b.used] = codec.Pattern16(t.ID, t.RTR)
			b.used++
		}
	}
}

// padUnusedSlots duplicates a used pattern into the leftover slots.
// A slot left all zero would be a zero care mask or a match on
// identifier zero, either way accepting frames nobody asked for.
func padUnusedSlots(b *bankPlan) {
	switch {
	case !b.scale16 && b.list && b.used == 1:
		b.pat32[1] = b.pat32[0]
	case b.scale16 && !b.list && b.used == 1:
		b.pat16[2] = b.pat16[0]
		b.pat16[3] = b.pat16[1]
	case b.scale16 && b.list:
		for j := b.used; j < 4; j++ {
			b.pat16[j] = b.pat16[b.used-1]
		}
	}
}

func (m *Manager) program(banks []bankPlan) {
	var mode, scale32, fifoAsg, active uint32
	for i := range banks {
		b := &banks[i]
		bit := uint32(1) << i
		if b.list {
			mode |= bit
		}
		if !b.scale16 {
			scale32 |= bit
		}
		if b.fifo == 1 {
			fifoAsg |= bit
		}
		active |= bit
		base := bxcan.FilterBank(uint8(i))
		fr1, fr2 := b.words()
		m.regs.Write(base, fr1)
		m.regs.Write(base+4, fr2)
	}
	m.regs.Write(bxcan.RegFMCFGR, mode)
	m.regs.Write(bxcan.RegFSCFGR, scale32)
	m.regs.Write(bxcan.RegFAFIFOR, fifoAsg)
	m.regs.Write(bxcan.RegFWR, active)
}

func validate(s Spec) error {
	if s.FIFO >= bxcan.RxFIFOCount {
		return fmt.Errorf("fifo %d out of range : %w", s.FIFO, bxcan.ErrInvalidSpec)
	}
	switch s.Kind {
	case List:
		limit := 2
		if s.Scale16 {
			limit = 4
		}
		if len(s.Targets) == 0 || len(s.Targets) > limit {
			return fmt.Errorf("list of %d targets at this scale : %w", len(s.Targets), bxcan.ErrInvalidSpec)
		}
		for _, t := range s.Targets {
			if err := checkTarget(t, s.Scale16); err != nil {
				return err
			}
		}
	case Mask:
		if err := checkTarget(s.Value, s.Scale16); err != nil {
			return err
		}
		max := bxcan.MaxStandardID
		if s.Value.Extended {
			max = bxcan.MaxExtendedID
		}
		if s.Mask.ID > max {
			return fmt.Errorf("mask x%X wider than the identifier : %w", s.Mask.ID, bxcan.ErrInvalidSpec)
		}
	default:
		return fmt.Errorf("unknown filter kind %d : %w", s.Kind, bxcan.ErrInvalidSpec)
	}
	return nil
}

func checkTarget(t Target, scale16 bool) error {
	if scale16 && t.Extended {
		return fmt.Errorf("extended identifier x%X does not fit 16 bit scale : %w", t.ID, bxcan.ErrInvalidSpec)
	}
	max := bxcan.MaxStandardID
	if t.Extended {
		max = bxcan.MaxExtendedID
	}
	if t.ID > max {
		return fmt.Errorf("identifier x%X too wide : %w", t.ID, bxcan.ErrInvalidSpec)
	}
	return nil
}

// maskWord32 places the care bits where the value's identifier lives
func maskWord32(value, mask Target) uint32 {
	var w uint32
	if value.Extended {
		w = mask.ID << bxcan.MirExtShift
	} else {
		w = mask.ID << bxcan.MirStdShift
	}
	if mask.Extended {
		w |= bxcan.MirIDE
	}
	if mask.RTR {
		w |= bxcan.MirRTR
	}
	return w
}

func maskWord16(mask Target) uint16 {
	w := uint16(mask.ID&bxcan.MaxStandardID) << 5
	if mask.RTR {
		w |= 1 << 4
	}
	if mask.Extended {
		w |= 1 << 3
	}
	return w
}
