package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "probedap.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	assert.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
[probe]
address = "10.0.0.2:2331"
timeout = "500ms"
retries = 5

[session]
instruction_set = "arm"
`)
	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, "10.0.0.2:2331", cfg.Probe.Address)
	assert.Equal(t, 500*time.Millisecond, cfg.Probe.Timeout)
	assert.Equal(t, 5, cfg.Probe.Retries)
	assert.Equal(t, "arm", cfg.Session.InstructionSet)
	assert.Equal(t, Default().Probe.PollInterval, cfg.Probe.PollInterval)
}

var invalidConfigs = []string{
	"[probe]\nretries = -1\n",
	"[probe]\nspeed = 4000\n",
	"[session]\ninstruction_set = \"riscv\"\n",
	"[session]\nmax_stack_depth = 0\n",
}

func TestLoadInvalid(t *testing.T) {
	for i, content := range invalidConfigs {
		_, err := Load(writeConfig(t, content))
		assert.Error(t, err, "test #%d", i)
	}
}
