// Package config implements the engine's configuration surface,
// binding the options listed in spec.md §6, in the teacher's
// Bind(*pflag.FlagSet) / Preflight() error idiom
// (internal/source/server/config.go).
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	log "github.com/sirupsen/logrus"

	"github.com/a-teece/WorkloadTools/internal/worker"
)

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// Config is the user-visible configuration for running the replay
// engine against a target database.
type Config struct {
	Dialect          string
	ConnectionString string

	QueryTimeoutSeconds int
	FailRetryMax        int
	TimeoutRetryMax     int
	StopOnError         bool

	MimicApplicationName bool
	ConsumeResults       bool
	RaiseErrorsToTracing bool

	DisplayWorkerStats      bool
	WorkerStatsCommandCount int64

	DatabaseMap map[string]string

	TimeoutCodes []int

	CommandErrorLogLevel string

	IdleWorkerTimeoutSeconds int
}

// Bind registers flags for every option in the table.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.Dialect, "dialect", "mysql",
		"target database dialect: mysql or postgres")
	flags.StringVar(&c.ConnectionString, "targetConnectionString", "",
		"connection string for the target database")

	flags.IntVar(&c.QueryTimeoutSeconds, "queryTimeoutSeconds", 30,
		"per-command timeout in seconds")
	flags.IntVar(&c.FailRetryMax, "failRetryMax", 3,
		"maximum number of retries after a non-timeout database error")
	flags.IntVar(&c.TimeoutRetryMax, "timeoutRetryMax", 3,
		"maximum number of retries after a command timeout")
	flags.BoolVar(&c.StopOnError, "stopOnError", false,
		"stop a worker instead of continuing after an execution failure")

	flags.BoolVar(&c.MimicApplicationName, "mimicApplicationName", false,
		"use the captured application name on the replay connection")
	flags.BoolVar(&c.ConsumeResults, "consumeResults", false,
		"drain all result sets instead of executing as a non-query")
	flags.BoolVar(&c.RaiseErrorsToTracing, "raiseErrorsToTracing", false,
		"raise an out-of-band tracing event in the target on failure")

	flags.BoolVar(&c.DisplayWorkerStats, "displayWorkerStats", false,
		"log a rolling commands-per-second sample for each worker")
	flags.Int64Var(&c.WorkerStatsCommandCount, "workerStatsCommandCount", 1000,
		"number of successful commands between throughput samples")

	flags.StringToStringVar(&c.DatabaseMap, "databaseMap", nil,
		"source=target database name translations")

	flags.IntSliceVar(&c.TimeoutCodes, "timeoutCodes", []int{-2},
		"numeric driver error codes treated as a timeout")

	flags.StringVar(&c.CommandErrorLogLevel, "commandErrorLogLevel", "warn",
		"log level used when logging command execution errors")

	flags.IntVar(&c.IdleWorkerTimeoutSeconds, "idleWorkerTimeoutSeconds", 300,
		"seconds a session may sit idle before its worker is disposed")
}

// Preflight validates the configuration.
func (c *Config) Preflight() error {
	switch strings.ToLower(c.Dialect) {
	case "mysql", "postgres":
	default:
		return errors.Errorf("unsupported dialect %q", c.Dialect)
	}
	if c.ConnectionString == "" {
		return errors.New("targetConnectionString unset")
	}
	if c.QueryTimeoutSeconds < 0 {
		return errors.New("queryTimeoutSeconds must not be negative")
	}
	if c.FailRetryMax < 0 || c.TimeoutRetryMax < 0 {
		return errors.New("retry maximums must not be negative")
	}
	if _, err := log.ParseLevel(c.CommandErrorLogLevel); err != nil {
		return errors.Wrap(err, "invalid commandErrorLogLevel")
	}
	return nil
}

// Policy translates the bound configuration into a worker.Policy.
func (c *Config) Policy() worker.Policy {
	level, err := log.ParseLevel(c.CommandErrorLogLevel)
	if err != nil {
		level = log.WarnLevel
	}
	p := worker.DefaultPolicy()
	p.FailRetryMax = c.FailRetryMax
	p.TimeoutRetryMax = c.TimeoutRetryMax
	p.StopOnError = c.StopOnError
	p.MimicApplicationName = c.MimicApplicationName
	p.ConsumeResults = c.ConsumeResults
	p.RaiseErrorsToTracing = c.RaiseErrorsToTracing
	p.DisplayWorkerStats = c.DisplayWorkerStats
	p.WorkerStatsCommandCount = c.WorkerStatsCommandCount
	p.DatabaseMap = c.DatabaseMap
	p.TimeoutCodes = c.TimeoutCodes
	p.CommandErrorLogLevel = level
	p.QueryTimeout = secondsToDuration(c.QueryTimeoutSeconds)
	p.IdleTimeout = secondsToDuration(c.IdleWorkerTimeoutSeconds)
	return p
}
