package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitterDeliversInSubscriptionOrder(t *testing.T) {
	var e Emitter[int]
	var got []int

	e.Subscribe(func(v int) { got = append(got, v*10) })
	e.Subscribe(func(v int) { got = append(got, v*100) })

	had := e.Emit(3)
	assert.True(t, had)
	assert.Equal(t, []int{30, 300}, got)
}

func TestEmitterReportsNoListeners(t *testing.T) {
	var e Emitter[string]
	assert.False(t, e.Emit("nobody home"))
}

func TestEmitterCancelDetaches(t *testing.T) {
	var e Emitter[int]
	calls := 0
	cancel := e.Subscribe(func(int) { calls++ })

	e.Emit(1)
	cancel()
	// Cancel twice must be harmless.
	cancel()
	e.Emit(2)

	assert.Equal(t, 1, calls)
	assert.False(t, e.Emit(3))
}

func TestFilteredEmitterIsolatesByKey(t *testing.T) {
	var e FilteredEmitter[string, int]
	var forA, forB []int

	e.Subscribe("a", func(v int) { forA = append(forA, v) })
	e.Subscribe("b", func(v int) { forB = append(forB, v) })

	assert.True(t, e.Emit("a", 1))
	assert.True(t, e.Emit("b", 2))
	assert.False(t, e.Emit("c", 3))

	assert.Equal(t, []int{1}, forA)
	assert.Equal(t, []int{2}, forB)
}

func TestFilteredEmitterCancelDetachesOneKey(t *testing.T) {
	var e FilteredEmitter[string, int]
	calls := 0
	cancel := e.Subscribe("a", func(int) { calls++ })
	e.Subscribe("b", func(int) {})

	cancel()
	assert.False(t, e.Emit("a", 1))
	assert.True(t, e.Emit("b", 2))
	assert.Equal(t, 0, calls)
}

func TestEmitterSubscribeDuringEmitDoesNotAffectCurrentEmission(t *testing.T) {
	var e Emitter[int]
	nested := 0
	e.Subscribe(func(int) {
		e.Subscribe(func(int) { nested++ })
	})

	e.Emit(1)
	assert.Equal(t, 0, nested)
	e.Emit(2)
	assert.Equal(t, 1, nested)
}
