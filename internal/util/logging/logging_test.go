//go:build unit

package logging_test

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/alexandremahdhaoui/vmconform/internal/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
		{in: "warning", want: slog.LevelWarn},
		{in: " error ", want: slog.LevelError},
		{in: "trace", want: slog.LevelInfo, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := logging.ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevelFromEnv(t *testing.T) {
	t.Setenv(logging.EnvLevel, "debug")
	assert.Equal(t, slog.LevelDebug, logging.LevelFromEnv(slog.LevelInfo))

	t.Setenv(logging.EnvLevel, "nonsense")
	assert.Equal(t, slog.LevelWarn, logging.LevelFromEnv(slog.LevelWarn))
}

func TestSetup_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := logging.Setup(logging.Options{Level: slog.LevelInfo, Output: &buf})

	log.V(1).Info("hidden debug line")
	log.Info("visible info line", "run", "r1")

	assert.NotContains(t, buf.String(), "hidden debug line")
	assert.Contains(t, buf.String(), "visible info line")
	assert.Contains(t, buf.String(), `"run":"r1"`)
}
