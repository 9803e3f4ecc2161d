package dap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEveryCommandHasHandler(t *testing.T) {
	for c := command(0); c < numCommands; c++ {
		assert.NotEmpty(t, c.String(), "command #%d", c)
		assert.NotNil(t, handlers[c].fn, "%s", c)
		assert.NotZero(t, handlers[c].allowed, "%s", c)

		got, ok := parseCommand(c.String())
		assert.True(t, ok, "%s", c)
		assert.Equal(t, c, got)
	}
	_, ok := parseCommand("goto")
	assert.False(t, ok)
}

var stateSetTests = []struct {
	set  stateSet
	in   state
	want bool
}{
	{setup, stateInitializing, true},
	{setup, stateHalted, false},
	{live, stateRunning, true},
	{live, stateConfigured, false},
	{attached, stateConfigured, true},
	{attached, stateTerminated, false},
	{halted, stateRunning, false},
}

func TestStateSet(t *testing.T) {
	for i, test := range stateSetTests {
		assert.Equal(t, test.want, test.set.has(test.in), "test #%d", i)
	}
}
