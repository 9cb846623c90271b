package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/argos-watch/argos/internal/config"
	"github.com/argos-watch/argos/internal/dispatch"
	"github.com/argos-watch/argos/internal/history"
	"github.com/argos-watch/argos/internal/metrics"
	"github.com/argos-watch/argos/internal/monitor"
	"github.com/argos-watch/argos/internal/probe"
	"github.com/argos-watch/argos/internal/stream"
	"github.com/argos-watch/argos/internal/version"
)

func main() {
	// Subcommand dispatch (before flag.Parse).
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "start":
			runStart(os.Args[2:])
			return
		case "validate":
			runValidate(os.Args[2:])
			return
		case "version":
			fmt.Println(version.Info())
			return
		}
	}

	fmt.Fprintf(os.Stderr, `Usage: argos <command> [flags]

Commands:
  start <document.json>     validate the document and run its monitors
  validate <document.json>  validate the document and exit
  version                   print version information

Run "argos <command> -h" for command flags.
`)
	os.Exit(2)
}

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: argos validate <document.json>")
		os.Exit(2)
	}

	doc, err := loadDocument(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load document: %v\n", err)
		os.Exit(1)
	}

	monitors, reasons := monitor.ValidateDocument(doc, probe.Schemas())
	if len(reasons) > 0 {
		fmt.Fprintf(os.Stderr, "document is invalid (%d problems):\n", len(reasons))
		for _, reason := range reasons {
			fmt.Fprintf(os.Stderr, "  %s\n", reason)
		}
		os.Exit(1)
	}
	fmt.Printf("document is valid: %d monitor(s)\n", len(monitors))
}

func runStart(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	settingsPath := fs.String("settings", "", "path to runtime settings file")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: argos start [-settings argos.yaml] <document.json>")
		os.Exit(2)
	}

	// Load runtime settings (before logger, so log level/format can be
	// configured).
	viperCfg, err := config.NewViper(*settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load settings: %v\n", err)
		os.Exit(1)
	}
	settings, err := config.Load(viperCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load settings: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(viperCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Argos starting",
		zap.String("version", version.Short()),
		zap.Strings("protocols", probe.Tags()),
	)

	doc, err := loadDocument(fs.Arg(0))
	if err != nil {
		logger.Error("failed to load document", zap.Error(err))
		os.Exit(1)
	}

	registry := dispatch.NewRegistry(logger.Named("dispatch"))

	// Optional surfaces attach before the supervisor starts, so the first
	// envelopes already have subscribers.
	var mtr *metrics.Metrics
	hooks := monitor.Hooks{}
	if settings.Metrics.Enabled {
		mtr = metrics.New()
		hooks = mtr.Hooks()
	}

	var recorder *history.Recorder
	if settings.History.Enabled {
		recorder, err = history.New(settings.History.Path, logger.Named("history"))
		if err != nil {
			logger.Error("failed to open history database", zap.Error(err))
			os.Exit(1)
		}
		defer recorder.Close()
		recorder.Subscribe(registry, ruleNames(doc)...)
	}

	var streamHandler *stream.Handler
	var streamSrv *http.Server
	if settings.Stream.Enabled {
		streamHandler = stream.NewHandler(logger.Named("stream"))
		streamHandler.Subscribe(registry, ruleNames(doc)...)
		defer streamHandler.Close()

		mux := http.NewServeMux()
		streamHandler.RegisterRoutes(mux)
		streamSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		ln, err := net.Listen("tcp", settings.Stream.Addr)
		if err != nil {
			logger.Error("failed to bind stream listener", zap.Error(err))
			os.Exit(1)
		}
		go func() {
			if err := streamSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("stream server failed", zap.Error(err))
			}
		}()
		logger.Info("stream endpoint listening", zap.String("addr", ln.Addr().String()))
	}

	var metricsSrv *metrics.Server
	if mtr != nil {
		metricsSrv, err = metrics.Serve(settings.Metrics.Addr, mtr, logger.Named("metrics"))
		if err != nil {
			logger.Error("failed to start metrics endpoint", zap.Error(err))
			os.Exit(1)
		}
	}

	sup := monitor.NewSupervisor(registry, probe.Schemas(), hooks, logger.Named("monitor"))
	if err := sup.Start(doc); err != nil {
		var verr *monitor.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(os.Stderr, "document is invalid (%d problems):\n", len(verr.Reasons))
			for _, reason := range verr.Reasons {
				fmt.Fprintf(os.Stderr, "  %s\n", reason)
			}
		} else {
			logger.Error("failed to start monitors", zap.Error(err))
		}
		os.Exit(1)
	}
	if mtr != nil {
		mtr.SetActive(sup.Active())
	}
	logger.Info("monitors running", zap.Int("count", sup.Active()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	sup.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if streamSrv != nil {
		if err := streamSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("stream server shutdown failed", zap.Error(err))
		}
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", zap.Error(err))
		}
	}

	logger.Info("Argos stopped")
}

// loadDocument reads and decodes the monitor document. Decoding errors are
// I/O-level problems; semantic validation happens in the monitor package.
func loadDocument(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %q: %w", path, err)
	}
	return doc, nil
}

// ruleNames extracts the rule names from a raw document, for attaching the
// optional consumers. Invalid entries are skipped here; validation proper
// reports them.
func ruleNames(doc map[string]any) []string {
	raw, _ := doc["rules"].([]any)
	seen := make(map[string]bool)
	var names []string
	for _, entry := range raw {
		rule, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if name, ok := rule["name"].(string); ok && name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
