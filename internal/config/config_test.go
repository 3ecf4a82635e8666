package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestBindDefaults(t *testing.T) {
	var c Config
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.Bind(flags)
	require.NoError(t, flags.Parse(nil))

	require.Equal(t, "mysql", c.Dialect)
	require.Equal(t, 30, c.QueryTimeoutSeconds)
	require.Equal(t, 3, c.FailRetryMax)
	require.Equal(t, 3, c.TimeoutRetryMax)
	require.Equal(t, int64(1000), c.WorkerStatsCommandCount)
	require.Equal(t, "warn", c.CommandErrorLogLevel)
	require.Equal(t, []int{-2}, c.TimeoutCodes)
}

func TestPreflightRejectsUnsupportedDialect(t *testing.T) {
	c := Config{Dialect: "oracle", ConnectionString: "x"}
	require.Error(t, c.Preflight())
}

func TestPreflightRejectsMissingConnectionString(t *testing.T) {
	c := Config{Dialect: "mysql"}
	require.Error(t, c.Preflight())
}

func TestPreflightRejectsBadLogLevel(t *testing.T) {
	c := Config{Dialect: "mysql", ConnectionString: "x", CommandErrorLogLevel: "not-a-level"}
	require.Error(t, c.Preflight())
}

func TestPreflightAccepts(t *testing.T) {
	c := Config{Dialect: "postgres", ConnectionString: "x", CommandErrorLogLevel: "warn"}
	require.NoError(t, c.Preflight())
}

func TestPolicyTranslation(t *testing.T) {
	c := Config{
		Dialect:                 "mysql",
		ConnectionString:        "x",
		QueryTimeoutSeconds:     15,
		FailRetryMax:            5,
		TimeoutRetryMax:         2,
		StopOnError:             true,
		CommandErrorLogLevel:    "error",
		WorkerStatsCommandCount: 500,
		TimeoutCodes:            []int{-2, 1317},
		IdleWorkerTimeoutSeconds: 60,
	}

	p := c.Policy()
	require.Equal(t, 15, int(p.QueryTimeout.Seconds()))
	require.Equal(t, 5, p.FailRetryMax)
	require.Equal(t, 2, p.TimeoutRetryMax)
	require.True(t, p.StopOnError)
	require.Equal(t, int64(500), p.WorkerStatsCommandCount)
	require.Equal(t, []int{-2, 1317}, p.TimeoutCodes)
}
