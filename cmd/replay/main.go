// Command replay drives the workload replay engine from a captured
// trace file: it reads newline-delimited JSON command records, routes
// them to per-session workers, and reports progress until the trace is
// exhausted. It stands in for the capture/listener and dispatcher
// layers that spec.md §2 and §9 place out of scope for this engine.
package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/a-teece/WorkloadTools/internal/config"
	"github.com/a-teece/WorkloadTools/internal/connmgr"
	"github.com/a-teece/WorkloadTools/internal/record"
	"github.com/a-teece/WorkloadTools/internal/util/diag"
)

func main() {
	if err := run(); err != nil {
		log.WithError(err).Error("replay failed")
		os.Exit(1)
	}
}

func run() error {
	var cfg config.Config
	cfg.Bind(pflag.CommandLine)
	tracePath := pflag.String("traceFile", "", "path to a newline-delimited JSON trace file, or - for stdin")
	metricsAddr := pflag.String("metricsAddr", ":9090", "address to serve Prometheus metrics on")
	pflag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if err := cfg.Preflight(); err != nil {
		return err
	}

	var dialect connmgr.Dialect
	switch strings.ToLower(cfg.Dialect) {
	case "postgres":
		dialect = connmgr.PostgresDialect{}
	default:
		dialect = connmgr.MySQLDialect{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("received shutdown signal")
		cancel()
	}()

	go serveMetrics(*metricsAddr)

	diags := diag.New()
	policy := cfg.Policy()
	d := newDispatcher(ctx, cfg.ConnectionString, dialect, policy, diags)

	reapTicker := time.NewTicker(30 * time.Second)
	defer reapTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reapTicker.C:
				d.ReapIdle()
				d.drainFatal()
			}
		}
	}()

	in, closeIn, err := openTrace(*tracePath)
	if err != nil {
		return err
	}
	defer closeIn()

	count := 0
	if err := readTrace(in, func(rec record.CommandRecord) error {
		d.Dispatch(rec)
		count++
		return nil
	}); err != nil {
		return err
	}
	log.WithField("commands", count).Info("trace exhausted, draining workers")

	d.WaitAndDisposeAll()
	d.drainFatal()
	return nil
}

// openTrace opens the trace file at path, or stdin when path is "-"
// or empty.
func openTrace(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Warn("metrics server stopped")
	}
}
