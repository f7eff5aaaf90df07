package main

import (
	"errors"
	"expvar"
	"io"
	stlog "log"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"

	"github.com/ghostline/ghostline"
)

// App version (set via linker flags -ldflags="-X main.appVersion=...")
var appVersion = "dev"

func main() {
	logFile, err := os.OpenFile("ghostline-rpc.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o660)
	if err != nil {
		stlog.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()

	// Basic stderr logger until the configured level is known.
	tempLogger := slog.New(slog.NewTextHandler(io.MultiWriter(os.Stderr, logFile), &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, configErr := ghostline.LoadConfig(tempLogger)
	if configErr != nil && !errors.Is(configErr, ghostline.ErrConfig) {
		tempLogger.Error("Fatal error loading configuration", "error", configErr)
		os.Exit(1)
	}

	logLevel, parseLevelErr := ghostline.ParseLogLevel(cfg.LogLevel)
	if parseLevelErr != nil {
		logLevel = slog.LevelInfo
		tempLogger.Warn("Invalid log level in config, using default 'info'", "config_level", cfg.LogLevel, "error", parseLevelErr)
	}
	logWriter := io.MultiWriter(os.Stderr, logFile)
	handlerOpts := slog.HandlerOptions{Level: logLevel, AddSource: true}
	logger := slog.New(slog.NewTextHandler(logWriter, &handlerOpts))
	slog.SetDefault(logger)

	slog.Info("Ghostline RPC server starting...", "version", appVersion, "log_level", logLevel.String())
	if configErr != nil {
		slog.Warn("Starting with configuration warnings", "error", configErr)
	}

	server, initErr := ghostline.NewServer(ghostline.EngineOptions{
		Config: &cfg,
		Logger: logger,
	}, appVersion)
	if initErr != nil {
		slog.Error("Failed to initialize server", "error", initErr)
		os.Exit(1)
	}
	defer func() {
		slog.Info("Closing engine...")
		if err := server.Engine().Close(); err != nil {
			slog.Error("Error closing engine", "error", err)
		}
	}()

	runtime.SetBlockProfileRate(1)
	runtime.SetMutexProfileFraction(1)
	slog.Info("Enabled block and mutex profiling")
	startDebugServer()

	// Blocks until the host disconnects.
	server.Run(os.Stdin, os.Stdout)

	slog.Info("RPC server has shut down gracefully.")
}

// startDebugServer starts the HTTP server for pprof and expvar.
func startDebugServer() {
	debugListenAddr := "localhost:6061"
	go func() {
		slog.Info("Starting debug server for pprof/expvar", "addr", debugListenAddr)
		debugMux := http.NewServeMux()
		debugMux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/cmdline", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/profile", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/symbol", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/trace", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
		if err := http.ListenAndServe(debugListenAddr, debugMux); err != nil {
			slog.Error("Debug server failed", "error", err)
		}
	}()
}
