package dap

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

var launchArgsTests = []struct {
	in      string
	want    launchArgs
	wantErr bool
}{
	{in: ``, want: launchArgs{}},
	{in: `{}`, want: launchArgs{}},
	{
		in:   `{"program":"fw.elf","probe":"localhost:3333","stopOnEntry":true}`,
		want: launchArgs{Program: "fw.elf", Probe: "localhost:3333", StopOnEntry: true},
	},
	{
		in:   `{"svd":"chip.svd","instructionSet":"arm","reset":true,"haltOnAttach":true,"watchProgram":true}`,
		want: launchArgs{SVD: "chip.svd", InstructionSet: "arm", Reset: true, HaltOnAttach: true, WatchProgram: true},
	},
	{
		in:   `{"type":"probedap","request":"launch","__sessionId":"x","env":{"a":[1,2]},"noDebug":true}`,
		want: launchArgs{NoDebug: true},
	},
	{in: `{"program":42}`, wantErr: true},
	{in: `{"stopOnEntry":"yes"}`, wantErr: true},
	{in: `[]`, wantErr: true},
}

func TestParseLaunchArgs(t *testing.T) {
	for i, test := range launchArgsTests {
		got, err := parseLaunchArgs(json.RawMessage(test.in))
		if test.wantErr {
			assert.Error(t, err, "test #%d", i)
			continue
		}
		assert.NoError(t, err, "test #%d", i)
		if diff := cmp.Diff(test.want, got); diff != "" {
			t.Errorf("test #%d: launch arguments mismatch (-want +got):\n%s", i, diff)
		}
	}
}
