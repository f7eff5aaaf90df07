package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ghostline/ghostline"
)

// Set at build time
var version = "dev"

func main() {
	filePath := flag.String("file", "", "Path to the source file (required)")
	offset := flag.Int("offset", -1, "Byte offset of the cursor (use -line/-col instead if preferred)")
	line := flag.Int("line", 0, "Line number (1-based)")
	col := flag.Int("col", 0, "Column number (1-based, bytes)")
	logLevelFlag := flag.String("log-level", "", "Log level (debug, info, warn, error) - overrides config")

	flag.Parse()

	tempLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, configErr := ghostline.LoadConfig(tempLogger)
	if configErr != nil && !errors.Is(configErr, ghostline.ErrConfig) {
		tempLogger.Error("Fatal error loading configuration", "error", configErr)
		os.Exit(1)
	}

	chosenLogLevelStr := cfg.LogLevel
	if *logLevelFlag != "" {
		chosenLogLevelStr = *logLevelFlag
	}
	logLevel, parseLevelErr := ghostline.ParseLogLevel(chosenLogLevelStr)
	if parseLevelErr != nil {
		tempLogger.Warn("Invalid log level specified, using default 'info'", "specified_level", chosenLogLevelStr, "error", parseLevelErr)
		logLevel = slog.LevelInfo
	}
	finalLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(finalLogger)

	if configErr != nil {
		slog.Warn("Loaded configuration with warnings", "error", configErr)
	}

	if *filePath == "" {
		slog.Error("Missing required flag: -file")
		flag.Usage()
		os.Exit(1)
	}
	absPath, pathErr := filepath.Abs(*filePath)
	if pathErr != nil {
		slog.Error("Invalid file path", "path", *filePath, "error", pathErr)
		os.Exit(1)
	}
	data, readErr := os.ReadFile(absPath)
	if readErr != nil {
		slog.Error("Cannot read file", "path", absPath, "error", readErr)
		os.Exit(1)
	}

	cursor := *offset
	if cursor < 0 {
		if *line <= 0 || *col <= 0 {
			slog.Error("Either -offset or both -line and -col are required")
			flag.Usage()
			os.Exit(1)
		}
		var convErr error
		cursor, convErr = lineColToOffset(data, *line, *col)
		if convErr != nil {
			slog.Error("Invalid position", "line", *line, "col", *col, "error", convErr)
			os.Exit(1)
		}
	}
	if cursor > len(data) {
		slog.Error("Offset beyond end of file", "offset", cursor, "size", len(data))
		os.Exit(1)
	}

	engine, initErr := ghostline.NewEngine(ghostline.EngineOptions{
		Config: &cfg,
		Logger: finalLogger,
	})
	if initErr != nil {
		slog.Error("Fatal error initializing engine", "error", initErr)
		os.Exit(1)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			slog.Error("Error closing engine", "error", err)
		}
	}()
	slog.Info("Engine initialized", "version", version, "effective_log_level", logLevel.String())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	completion, completionErr := engine.CompleteOnce(ctx, absPath, cursor)
	if completionErr != nil {
		switch {
		case errors.Is(completionErr, context.DeadlineExceeded):
			slog.Error("Completion request timed out", "file", absPath, "offset", cursor)
		case errors.Is(completionErr, ghostline.ErrBackendUnavailable):
			slog.Error("Completion backend unavailable", "error", completionErr)
		case errors.Is(completionErr, ghostline.ErrEmptyCompletion):
			slog.Warn("Backend produced no completion for this position")
		default:
			slog.Error("Failed to get completion", "error", completionErr, "file", absPath, "offset", cursor)
		}
		os.Exit(1)
	}
	fmt.Println(completion)
}

// lineColToOffset converts a 1-based line/column pair to a byte offset.
func lineColToOffset(data []byte, line, col int) (int, error) {
	cur := 1
	start := 0
	for i := 0; i < len(data); i++ {
		if cur == line {
			break
		}
		if data[i] == '\n' {
			cur++
			start = i + 1
		}
	}
	if cur != line {
		return 0, fmt.Errorf("line %d beyond end of file", line)
	}
	offset := start + col - 1
	if offset > len(data) {
		return 0, fmt.Errorf("column %d beyond end of file", col)
	}
	return offset, nil
}
