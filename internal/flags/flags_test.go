package flags

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_OverlaysDefaults(t *testing.T) {
	r := New(map[string]bool{FlagExitEvents: true})

	require.True(t, r.Enabled(FlagExitEvents))
	require.True(t, r.Enabled(FlagLifecycleJournal), "default on")
	require.False(t, r.Enabled(FlagParallelTerminate), "default off")
}

func TestNew_ConfiguredValueWinsOverDefault(t *testing.T) {
	r := New(map[string]bool{FlagLifecycleJournal: false})
	require.False(t, r.Enabled(FlagLifecycleJournal))
}

func TestRegistry_Enabled(t *testing.T) {
	tests := []struct {
		name     string
		registry *Registry
		flag     string
		expected bool
	}{
		{"nil registry", nil, FlagLifecycleJournal, false},
		{"nil values use defaults", New(nil), FlagLifecycleJournal, true},
		{"unknown flag", New(nil), "telemetry", false},
		{"unknown flag set in config", New(map[string]bool{"telemetry": true}), "telemetry", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, tt.registry.Enabled(tt.flag))
		})
	}
}

func TestRegistry_AllIsACopy(t *testing.T) {
	r := New(nil)
	all := r.All()
	require.Equal(t, Defaults(), all)

	all[FlagParallelTerminate] = true
	require.False(t, r.Enabled(FlagParallelTerminate))

	var nilReg *Registry
	require.Empty(t, nilReg.All())
}

func TestUnknown(t *testing.T) {
	require.Empty(t, Unknown(Defaults()))
	require.Equal(t, []string{"a", "b"}, Unknown(map[string]bool{
		"b":                   true,
		FlagExitEvents:        true,
		"a":                   false,
		FlagParallelTerminate: false,
	}))
}

func TestDefinitions(t *testing.T) {
	for _, d := range Definitions {
		require.True(t, Known(d.Name))
		require.NotEmpty(t, d.Description)
	}
	require.False(t, Known("nope"))
}
