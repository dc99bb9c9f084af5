package fault

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func kinds(events []Event) []Kind {
	out := make([]Kind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func TestQuietBusStaysClean(t *testing.T) {
	m := NewMachine()
	for i := 0; i < 1000; i++ {
		m.OnTxSuccess()
		m.OnRxSuccess()
	}
	tec, rec := m.Counters()
	assert.Zero(t, tec)
	assert.Zero(t, rec)
	assert.Equal(t, ErrorActive, m.State())
	assert.False(t, m.Warning())
	assert.Empty(t, m.TakeEvents())
}

func TestWarningLevel(t *testing.T) {
	m := NewMachine()
	for i := 0; i < 11; i++ { // 88, below the level
		m.OnTxError()
	}
	assert.False(t, m.Warning())
	assert.Empty(t, m.TakeEvents())

	m.OnTxError() // 96
	assert.True(t, m.Warning())
	assert.Equal(t, []Kind{KindWarning}, kinds(m.TakeEvents()))
	assert.Equal(t, ErrorActive, m.State())
}

func TestPassiveExactlyAt128(t *testing.T) {
	m := NewMachine()
	for i := 0; i < 15; i++ { // 120
		m.OnTxError()
	}
	assert.Equal(t, ErrorActive, m.State())

	m.OnTxError() // 128
	assert.Equal(t, ErrorPassive, m.State())
	tec, _ := m.Counters()
	assert.Equal(t, uint16(128), tec)
	assert.Equal(t, []Kind{KindWarning, KindPassive}, kinds(m.TakeEvents()))
}

func TestReceiveCounterReachesPassive(t *testing.T) {
	m := NewMachine()
	for i := 0; i < 127; i++ {
		m.OnRxError()
	}
	assert.Equal(t, ErrorActive, m.State())
	m.OnRxError()
	assert.Equal(t, ErrorPassive, m.State())

	// The receive counter saturates below the bus-off level
	for i := 0; i < 500; i++ {
		m.OnRxError()
	}
	_, rec := m.Counters()
	assert.Equal(t, uint16(255), rec)
	assert.Equal(t, ErrorPassive, m.State())
}

func TestSevereReceiveErrorStep(t *testing.T) {
	m := NewMachine()
	m.OnRxErrorSevere()
	_, rec := m.Counters()
	assert.Equal(t, uint16(8), rec)
}

func TestBusOffExactlyAt256(t *testing.T) {
	m := NewMachine()
	for i := 0; i < 31; i++ { // 248
		m.OnTxError()
	}
	assert.Equal(t, ErrorPassive, m.State())

	m.OnTxError() // 256, the 32nd qualifying increment
	assert.Equal(t, BusOff, m.State())
	tec, _ := m.Counters()
	assert.Equal(t, uint16(256), tec)
	assert.Equal(t, []Kind{KindWarning, KindPassive, KindBusOff}, kinds(m.TakeEvents()))
}

func TestBusOffIgnoresCounterDecay(t *testing.T) {
	m := NewMachine()
	for i := 0; i < 32; i++ {
		m.OnTxError()
	}
	for i := 0; i < 1000; i++ {
		m.OnTxSuccess()
	}
	assert.Equal(t, BusOff, m.State())
	tec, _ := m.Counters()
	assert.Equal(t, uint16(256), tec)
}

func TestRecoveryNeedsAllIdleObservations(t *testing.T) {
	m := NewMachine()
	for i := 0; i < 32; i++ {
		m.OnTxError()
	}
	m.TakeEvents()

	for i := 0; i < RecoveryIdle-1; i++ { // 127 are not enough
		m.ObserveIdle()
	}
	assert.Equal(t, BusOff, m.State())
	assert.Empty(t, m.TakeEvents())

	m.ObserveIdle() // the 128th recovers
	assert.Equal(t, ErrorActive, m.State())
	tec, rec := m.Counters()
	assert.Zero(t, tec)
	assert.Zero(t, rec)
	assert.Equal(t, []Kind{KindRecovered}, kinds(m.TakeEvents()))
}

func TestBusActivityBreaksIdleRun(t *testing.T) {
	m := NewMachine()
	for i := 0; i < 32; i++ {
		m.OnTxError()
	}
	for i := 0; i < RecoveryIdle-1; i++ {
		m.ObserveIdle()
	}
	m.ObserveBusy()
	for i := 0; i < RecoveryIdle-1; i++ {
		m.ObserveIdle()
	}
	assert.Equal(t, BusOff, m.State())
	m.ObserveIdle()
	assert.Equal(t, ErrorActive, m.State())
}

func TestIdleObservationsOnlyCountWhileBusOff(t *testing.T) {
	m := NewMachine()
	for i := 0; i < 10*RecoveryIdle; i++ {
		m.ObserveIdle()
	}
	assert.Equal(t, ErrorActive, m.State())
	assert.Empty(t, m.TakeEvents())
}

func TestPassiveDecaysBackToActive(t *testing.T) {
	m := NewMachine()
	for i := 0; i < 16; i++ { // 128, passive
		m.OnTxError()
	}
	m.TakeEvents()

	m.OnTxSuccess() // 127
	assert.Equal(t, ErrorActive, m.State())
	assert.Equal(t, []Kind{KindActive}, kinds(m.TakeEvents()))
}

func TestTakeEventsDrains(t *testing.T) {
	m := NewMachine()
	for i := 0; i < 12; i++ {
		m.OnTxError()
	}
	assert.Len(t, m.TakeEvents(), 1)
	assert.Empty(t, m.TakeEvents())
}
