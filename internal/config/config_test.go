package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := parse([]string{"vme-daq", "--simulate"}, map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "/tmp", cfg.RunName)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 500*time.Millisecond, cfg.StatsInterval)
	assert.Equal(t, time.Second, cfg.JoinTimeout)
	assert.Zero(t, cfg.Duration)
	assert.True(t, cfg.Simulate)
	assert.Empty(t, cfg.CrateFile)
}

func TestParse_EnvironmentThenFlags(t *testing.T) {
	environ := map[string]string{
		"DAQ_CRATE_FILE":     "/etc/daq/crate.yaml",
		"DAQ_RUN_NAME":       "/data/env-run",
		"DAQ_LOG_LEVEL":      "debug",
		"DAQ_STATS_INTERVAL": "250ms",
		"DAQ_METRICS_ADDR":   ":9100",
	}
	args := []string{"vme-daq", "--run-name", "/data/flag-run", "--duration=90s", "--single-event"}

	cfg, err := parse(args, environ)
	require.NoError(t, err)
	assert.Equal(t, "/etc/daq/crate.yaml", cfg.CrateFile)
	assert.Equal(t, "/data/flag-run", cfg.RunName)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 250*time.Millisecond, cfg.StatsInterval)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
	assert.Equal(t, 90*time.Second, cfg.Duration)
	assert.True(t, cfg.SingleEvent)
	assert.False(t, cfg.Simulate)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		environ map[string]string
		usage   bool
	}{
		{name: "no crate", args: []string{"vme-daq"}},
		{name: "missing value", args: []string{"vme-daq", "--crate"}, usage: true},
		{name: "unknown flag", args: []string{"vme-daq", "--simulate", "--turbo"}, usage: true},
		{name: "help", args: []string{"vme-daq", "-h"}, usage: true},
		{name: "bad duration", args: []string{"vme-daq", "--simulate", "--duration", "soon"}},
		{name: "negative duration", args: []string{"vme-daq", "--simulate", "--duration", "-1s"}},
		{name: "bad env duration", args: []string{"vme-daq", "--simulate"}, environ: map[string]string{"DAQ_JOIN_TIMEOUT": "x"}},
		{name: "zero interval", args: []string{"vme-daq", "--simulate"}, environ: map[string]string{"DAQ_STATS_INTERVAL": "0s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			environ := tt.environ
			if environ == nil {
				environ = map[string]string{}
			}
			_, err := parse(tt.args, environ)
			require.Error(t, err)
			if tt.usage {
				assert.ErrorIs(t, err, ErrUsage)
			} else {
				assert.NotErrorIs(t, err, ErrUsage)
			}
		})
	}
}

func TestParse_InfoSkipsValidation(t *testing.T) {
	cfg, err := parse([]string{"vme-daq", "--info"}, map[string]string{})
	require.NoError(t, err)
	assert.True(t, cfg.ShowInfo)
}

func TestOTELConfig(t *testing.T) {
	cfg, err := parseOTEL(map[string]string{})
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "vme-daq", cfg.ServiceName)
	assert.Equal(t, "localhost:4318", cfg.GetEndpoint())

	cfg, err = parseOTEL(map[string]string{
		"OTEL_TRACES_ENABLED":                "true",
		"OTEL_EXPORTER_OTLP_ENDPOINT":        "collector:4318",
		"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT": "traces:4318",
		"OTEL_RESOURCE_ATTRIBUTES":           "lab=hall-b, crate = 2,broken,=x",
	})
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "traces:4318", cfg.GetEndpoint())
	assert.Equal(t, []attribute.KeyValue{
		attribute.String("lab", "hall-b"),
		attribute.String("crate", "2"),
	}, cfg.ParseResourceAttributes())
}
