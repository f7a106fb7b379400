package adapter

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProbeState_ShouldProbe_InitialCallsAlwaysProbed(t *testing.T) {
	st := &probeState{}

	for i := 0; i < ProbeInitialCleanCalls; i++ {
		assert.True(t, st.shouldProbe(), "call %d should still be in the initial probing window", i)
		st.recordCall(false)
	}

	assert.False(t, st.shouldProbe(), "call after the clean streak should skip probing")
}

func TestProbeState_RecordCall_BlockedResetsCleanStreak(t *testing.T) {
	st := &probeState{cleanStreak: ProbeInitialCleanCalls}

	st.recordCall(true)
	assert.Equal(t, 0, st.cleanStreak)

	assert.True(t, st.shouldProbe(), "a blocked call should put the function back under probing")
}

func TestProbeState_ReArmsAfterInterval(t *testing.T) {
	st := &probeState{cleanStreak: ProbeInitialCleanCalls}

	for i := 0; i < ProbeReArmInterval-1; i++ {
		assert.False(t, st.shouldProbe())
	}

	assert.True(t, st.shouldProbe(), "the re-arm interval should trigger one more probed call")
}

func TestProbeState_MarkWarned_OnlyFirstCallSucceeds(t *testing.T) {
	st := &probeState{}

	assert.True(t, st.markWarned())
	assert.False(t, st.markWarned(), "a second warn in the same arm window should be suppressed")
}

func TestBlockingProbe_Watch_RunsFunctionExactlyOnce(t *testing.T) {
	probe := NewBlockingProbe(nil)

	var calls int32

	probe.Watch("my-task", func() {
		atomic.AddInt32(&calls, 1)
	})

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBlockingProbe_Watch_DedupesStateByName(t *testing.T) {
	probe := NewBlockingProbe(nil)

	probe.Watch("shared-name", func() {})
	state1 := probe.stateFor("shared-name")

	probe.Watch("shared-name", func() {})
	state2 := probe.stateFor("shared-name")

	assert.Same(t, state1, state2)
}
