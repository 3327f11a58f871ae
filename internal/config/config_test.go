package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conserve/internal/engine"
	"github.com/roach88/conserve/internal/ir"
	"github.com/roach88/conserve/internal/limiter"
)

func TestDefault_RoundTripsEngineDefaults(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	want := engine.DefaultConfig()
	got := c.Engine()
	assert.Equal(t, want.Ledger, got.Ledger)
	assert.Equal(t, want.Limits, got.Limits)
	assert.Equal(t, want.AdminCapability, got.AdminCapability)
	assert.Equal(t, want.Required, got.Required)
}

func TestParse_YAML(t *testing.T) {
	src := `
total_energy: 2.0
decay_rate: 0.02
transfer:
  max_amount: 0.5
  window: 2s
capabilities:
  admin_only: [root]
  bootstrap_admins: [operator]
resources:
  messages:
    ceiling: 10
    window: 500ms
`
	c, err := Parse([]byte(src), ".yaml")
	require.NoError(t, err)

	ec := c.Engine()
	assert.Equal(t, ir.EnergyFromFloat(2.0), ec.Ledger.Total)
	assert.Equal(t, ir.EnergyFromFloat(0.02), ec.Ledger.DecayRate)
	assert.Equal(t, ir.EnergyFromFloat(0.5), ec.Ledger.MaxTransfer)
	assert.Equal(t, 2*time.Second, ec.Ledger.TransferWindow)
	assert.Equal(t, []ir.Capability{"root"}, ec.AdminOnly)
	assert.Equal(t, []ir.EntityID{"operator"}, ec.BootstrapAdmins)
	assert.Equal(t, limiter.Limit{Ceiling: 10, Window: 500 * time.Millisecond}, ec.Limits[ir.ResourceMessages])
	// Kinds the file does not mention keep their defaults.
	assert.Equal(t, limiter.Limit{Ceiling: 1 << 20}, ec.Limits[ir.ResourceMemory])
	// Untouched fields keep their defaults.
	assert.Equal(t, ir.EnergyFromFloat(0.05), ec.Ledger.DormancyThreshold)
}

func TestParse_TOML(t *testing.T) {
	src := `
total_energy = 1.5
decay_rate = 0.0

[transfer]
max_amount = 0.75
window = "1s"

[capabilities.required]
transfer = ""
allocate = "fund"
`
	c, err := Parse([]byte(src), ".toml")
	require.NoError(t, err)

	ec := c.Engine()
	assert.Equal(t, ir.EnergyFromFloat(1.5), ec.Ledger.Total)
	assert.Equal(t, ir.Energy(0), ec.Ledger.DecayRate)
	assert.Equal(t, ir.EnergyFromFloat(0.75), ec.Ledger.MaxTransfer)
	assert.Equal(t, map[engine.OpKind]ir.Capability{engine.OpAllocate: "fund"}, ec.Required)
}

func TestParse_CUE(t *testing.T) {
	src := `
total_energy: 3.0
transfer: {
	max_amount: total_energy / 2
	window:     "10s"
}
`
	c, err := Parse([]byte(src), ".cue")
	require.NoError(t, err)
	assert.Equal(t, ir.EnergyFromFloat(3.0), c.TotalEnergy)
	assert.Equal(t, ir.EnergyFromFloat(1.5), c.Transfer.MaxAmount)
	assert.Equal(t, Duration(10*time.Second), c.Transfer.Window)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		src  string
		want string
	}{
		{"zero total", ".yaml", "total_energy: 0", "total_energy"},
		{"negative decay", ".yaml", "decay_rate: -0.1", "decay_rate"},
		{"dormancy above total", ".yaml", "dormancy_threshold: 2", "dormancy_threshold"},
		{"zero ceiling", ".yaml", "resources:\n  messages:\n    ceiling: 0", "ceiling"},
		{"transfer without window", ".yaml", "transfer:\n  window: 0s", "transfer.window"},
		{"unknown operation", ".yaml", "capabilities:\n  required:\n    teleport: x", "teleport"},
		{"empty admin", ".toml", "[capabilities]\nadmin = \"\"", "admin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src), tt.ext)
			require.Error(t, err)
			assert.True(t, IsValidationError(err), "got %v", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_DecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		src  string
	}{
		{"unknown yaml key", ".yaml", "totl_energy: 1"},
		{"unknown toml key", ".toml", "totl_energy = 1.0"},
		{"unknown cue key", ".cue", "totl_energy: 1"},
		{"bad duration", ".yaml", "transfer:\n  window: soon"},
		{"bad energy", ".yaml", "total_energy: lots"},
		{"cue conflict", ".cue", "total_energy: 1\ntotal_energy: 2"},
		{"unsupported", ".ini", "total_energy=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src), tt.ext)
			require.Error(t, err)
			assert.False(t, IsValidationError(err))
		})
	}
}

func TestLoad_ByExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conserve.yml")
	require.NoError(t, os.WriteFile(path, []byte("total_energy: 4"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ir.EnergyFromFloat(4), c.TotalEnergy)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestParse_EmptyYAMLKeepsDefaults(t *testing.T) {
	c, err := Parse(nil, ".yaml")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestEngine_AdminDefaultsWhenEmpty(t *testing.T) {
	c := Default()
	c.Capabilities.Admin = ""
	assert.Equal(t, engine.DefaultConfig().AdminCapability, c.Engine().AdminCapability)
}
