// RLM Step Runner
//
// Runs one sandboxed step program against documents on disk and prints the
// StepResult as JSON. Useful for poking at the policy, the span log, and
// citations without an orchestrator.
//
// Usage:
//
//	go run ./cmd/rlmstep -program step.star -doc notes.txt -doc paper.txt
//	go run ./cmd/rlmstep -program step.star -doc corpus.txt -state '{"cursor": 0}'
//	go run ./cmd/rlmstep -program step.star -doc corpus.txt -otlp localhost:4317
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/0xfauzi/rlm-core/rlmcore/artifact"
	"github.com/0xfauzi/rlm-core/rlmcore/citation"
	"github.com/0xfauzi/rlm-core/rlmcore/config"
	"github.com/0xfauzi/rlm-core/rlmcore/execution"
	"github.com/0xfauzi/rlm-core/rlmcore/executor"
	"github.com/0xfauzi/rlm-core/rlmcore/observability"
)

// stdLogger implements the core Logger interfaces using standard library log.
type stdLogger struct{}

func (l *stdLogger) Debug(msg string, keysAndValues ...any) {
	log.Printf("[DEBUG] %s %v", msg, keysAndValues)
}

func (l *stdLogger) Info(msg string, keysAndValues ...any) {
	log.Printf("[INFO] %s %v", msg, keysAndValues)
}

func (l *stdLogger) Warn(msg string, keysAndValues ...any) {
	log.Printf("[WARN] %s %v", msg, keysAndValues)
}

func (l *stdLogger) Error(msg string, keysAndValues ...any) {
	log.Printf("[ERROR] %s %v", msg, keysAndValues)
}

func main() {
	programPath := flag.String("program", "", "path to the step program")
	statePath := flag.String("state", "{}", "initial state JSON (inline)")
	wallClockMS := flag.Int("wall-ms", 0, "wall clock cap in ms (0 uses the default)")
	otlpEndpoint := flag.String("otlp", "", "OTLP gRPC endpoint for trace export (empty disables)")

	var docPaths []string
	flag.Func("doc", "path to a document to ingest (repeatable)", func(path string) error {
		docPaths = append(docPaths, path)
		return nil
	})
	flag.Parse()

	if *programPath == "" {
		fmt.Fprintln(os.Stderr, "usage: rlmstep -program step.star -doc file [-doc file ...]")
		os.Exit(2)
	}

	logger := &stdLogger{}
	ctx := context.Background()

	exec := execution.New("")

	if *otlpEndpoint != "" {
		shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
			ServiceName:  "rlmstep",
			OTLPEndpoint: *otlpEndpoint,
			SessionID:    exec.SessionID,
		})
		if err != nil {
			logger.Error("tracing_init_failed", "endpoint", *otlpEndpoint, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := shutdown(ctx); err != nil {
				logger.Warn("tracing_shutdown_failed", "error", err)
			}
		}()
		logger.Info("tracing_enabled", "endpoint", *otlpEndpoint)
	}

	program, err := os.ReadFile(*programPath)
	if err != nil {
		logger.Error("program_read_failed", "path", *programPath, "error", err)
		os.Exit(1)
	}

	store := artifact.NewMemoryStore()
	descriptor := executor.ContextDescriptor{}
	for _, path := range docPaths {
		body, err := os.ReadFile(path)
		if err != nil {
			logger.Error("doc_read_failed", "path", path, "error", err)
			os.Exit(1)
		}
		docID := filepath.Base(path)
		if err := store.Put(docID, body); err != nil {
			logger.Error("doc_ingest_failed", "doc_id", docID, "error", err)
			os.Exit(1)
		}
		descriptor.Documents = append(descriptor.Documents, docID)
	}

	limits := config.DefaultStepLimits()
	if *wallClockMS > 0 {
		limits.WallClockMS = *wallClockMS
	}

	descriptor.SessionID = exec.SessionID
	runner := execution.NewRunner(
		executor.New(store, logger),
		citation.NewEngine(store, limits.PreviewBytes),
		config.NewStaticLimitsProvider(limits),
		logger,
	)

	var stateIn json.RawMessage
	if err := json.Unmarshal([]byte(*statePath), &stateIn); err != nil {
		logger.Error("state_parse_failed", "error", err)
		os.Exit(1)
	}
	if err := exec.SeedState(stateIn); err != nil {
		logger.Error("state_seed_failed", "error", err)
		os.Exit(1)
	}

	result, err := runner.Step(ctx, exec, string(program), descriptor)
	if err != nil {
		logger.Warn("execution_failed", "error", err)
	}

	out := map[string]any{
		"execution_id": exec.ID,
		"result":       result,
	}
	if exec.Terminated {
		out["terminal_outcome"] = exec.TerminalOutcome
		out["citations"] = exec.Citations
		out["answer"] = exec.Answer
	}

	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		logger.Error("result_encode_failed", "error", err)
		os.Exit(1)
	}
	fmt.Println(string(encoded))
}
