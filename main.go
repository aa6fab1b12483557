package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Suhail-Mohamed/CoroDB/pkg/database"
	"github.com/Suhail-Mohamed/CoroDB/pkg/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		path        string
		logLevel    string
		logFile     string
		metricsAddr string
		ringSize    int
		poolSize    int
		workers     int
	)

	home, _ := os.UserHomeDir()
	flag.StringVar(&path, "path", filepath.Join(home, ".coroDB"), "database root directory")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.StringVar(&logFile, "log-file", "", "rotating log file (stderr when empty)")
	flag.StringVar(&metricsAddr, "metrics", "", "address to serve prometheus metrics on (disabled when empty)")
	flag.IntVar(&ringSize, "ring-size", database.DefaultRingSize, "registered buffer ring size (power of two)")
	flag.IntVar(&poolSize, "page-pool", database.DefaultPagePoolSize, "non-persistent page pool size")
	flag.IntVar(&workers, "workers", 0, "worker pool size (0 = default)")
	flag.Parse()

	registry := prometheus.NewRegistry()
	engine, err := database.Open(database.Config{
		Path:         path,
		RingSize:     ringSize,
		PagePoolSize: poolSize,
		Workers:      workers,
		Log: logging.Config{
			Level:    logLevel,
			Filename: logFile,
		},
		Registry: registry,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "corodb: %v\n", err)
		return 1
	}

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			_ = http.ListenAndServe(metricsAddr, mux)
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	if err := engine.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "corodb: shutdown: %v\n", err)
		return 1
	}
	return 0
}
