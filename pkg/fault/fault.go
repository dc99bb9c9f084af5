// Package fault tracks the CAN fault confinement rules : the transmit
// and receive error counters, the error-active / error-passive / bus-off
// progression and the bus-off recovery sequence. The machine only moves
// counters and state, it never logs and never panics. Transitions are
// queued as events for the caller to drain.
package fault

// State of the controller on the bus
type State uint8

const (
	ErrorActive State = iota
	ErrorPassive
	BusOff
)

func (s State) String() string {
	switch s {
	case ErrorActive:
		return "error-active"
	case ErrorPassive:
		return "error-passive"
	case BusOff:
		return "bus-off"
	}
	return "unknown"
}

// Protocol thresholds
const (
	WarningLevel = 96  // warning flag level
	PassiveLevel = 128 // error-passive on either counter
	BusOffLevel  = 256 // bus-off on the transmit counter
	RecoveryIdle = 128 // consecutive idle observations that end bus-off
)

// Counter adjustment steps. Transmitter-side errors weigh eight, a
// receiver detecting an error weighs one unless it was the severe case
// of a dominant bit right after its error flag.
const (
	stepTxError       = 8
	stepRxError       = 1
	stepRxErrorSevere = 8

	recCeiling = 255 // the receive counter saturates below the bus-off level
)

// Kind of a surfaced transition
type Kind uint8

const (
	KindWarning   Kind = iota // a counter reached the warning level
	KindPassive               // entered error-passive
	KindActive                // back to error-active by counter decay
	KindBusOff                // entered bus-off, transmission is over until recovery
	KindRecovered             // left bus-off after the idle sequence
)

func (k Kind) String() string {
	switch k {
	case KindWarning:
		return "warning"
	case KindPassive:
		return "passive"
	case KindActive:
		return "active"
	case KindBusOff:
		return "bus-off"
	case KindRecovered:
		return "recovered"
	}
	return "unknown"
}

// Event is one surfaced transition with the counter values at that moment
type Event struct {
	Kind Kind
	TEC  uint16
	REC  uint16
}

// Machine holds the error counters and the derived bus state.
// Not safe for concurrent use on its own, the caller serializes access
// the same way it serializes the rest of the driver.
type Machine struct {
	tec     uint16
	rec     uint16
	state   State
	warned  bool
	idleRun uint16
	events  []Event
}

func NewMachine() *Machine {
	return &Machine{}
}

// OnTxError counts a transmitter-side error (ack, bit or form error
// while sending)
func (m *Machine) OnTxError() {
	if m.busOffActivity() {
		return
	}
	m.tec = capAdd(m.tec, stepTxError, BusOffLevel)
	m.update()
}

// OnRxError counts a receiver-side error
func (m *Machine) OnRxError() {
	if m.busOffActivity() {
		return
	}
	m.rec = capAdd(m.rec, stepRxError, recCeiling)
	m.update()
}

// OnRxErrorSevere counts a dominant bit observed right after sending an
// error flag, the heavy receiver increment of the protocol
func (m *Machine) OnRxErrorSevere() {
	if m.busOffActivity() {
		return
	}
	m.rec = capAdd(m.rec, stepRxErrorSevere, recCeiling)
	m.update()
}

// OnTxSuccess counts a fully successful transmission
func (m *Machine) OnTxSuccess() {
	if m.busOffActivity() {
		return
	}
	if m.tec > 0 {
		m.tec--
	}
	m.update()
}

// OnRxSuccess counts a fully successful reception
func (m *Machine) OnRxSuccess() {
	if m.busOffActivity() {
		return
	}
	if m.rec > 0 {
		m.rec--
	}
	m.update()
}

// ObserveIdle records one idle bus observation. Only the 128th
// consecutive one while bus-off completes the recovery, which resets
// both counters and returns the machine to error-active.
func (m *Machine) ObserveIdle() {
	if m.state != BusOff {
		return
	}
	m.idleRun++
	if m.idleRun < RecoveryIdle {
		return
	}
	m.tec = 0
	m.rec = 0
	m.idleRun = 0
	m.warned = false
	m.state = ErrorActive
	m.emit(KindRecovered)
}

// ObserveBusy records a non-idle bus observation, breaking any idle run
func (m *Machine) ObserveBusy() {
	m.idleRun = 0
}

func (m *Machine) State() State {
	return m.state
}

// Counters returns the transmit and receive error counters
func (m *Machine) Counters() (tec, rec uint16) {
	return m.tec, m.rec
}

// Warning reports whether a counter is at or above the warning level
func (m *Machine) Warning() bool {
	return m.tec >= WarningLevel || m.rec >= WarningLevel
}

// TakeEvents drains the queued transitions
func (m *Machine) TakeEvents() []Event {
	ev := m.events
	m.events = nil
	return ev
}

// busOffActivity swallows counter events while bus-off. The node is off
// the bus, the only thing such an event can mean is that the medium is
// not idle.
func (m *Machine) busOffActivity() bool {
	if m.state != BusOff {
		return false
	}
	m.idleRun = 0
	return true
}

func (m *Machine) emit(k Kind) {
	m.events = append(m.events, Event{Kind: k, TEC: m.tec, REC: m.rec})
}

func (m *Machine) update() {
	if !m.warned && (m.tec >= WarningLevel || m.rec >= WarningLevel) {
		m.warned = true
		m.emit(KindWarning)
	} else if m.warned && m.tec < WarningLevel && m.rec < WarningLevel {
		m.warned = false
	}
	next := ErrorActive
	switch {
	case m.tec >= BusOffLevel:
		next = BusOff
	case m.tec >= PassiveLevel || m.rec >= PassiveLevel:
		next = ErrorPassive
	}
	if next == m.state {
		return
	}
	m.state = next
	switch next {
	case ErrorPassive:
		m.emit(KindPassive)
	case BusOff:
		m.idleRun = 0
		m.emit(KindBusOff)
	case ErrorActive:
		m.emit(KindActive)
	}
}

func capAdd(c, step, limit uint16) uint16 {
	c += step
	if c > limit {
		return limit
	}
	return c
}
