// Package main runs the qym evaluation engine: it reads a run manifest,
// drives the dataset through a task and its metrics under bounded
// concurrency, checkpoints progress to disk, and streams events to the
// platform.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qym-eval/qym/internal/engine/adapter"
	"github.com/qym-eval/qym/internal/engine/checkpoint"
	engineconfig "github.com/qym-eval/qym/internal/engine/config"
	"github.com/qym-eval/qym/internal/engine/eventstream"
	"github.com/qym-eval/qym/internal/engine/metric"
	"github.com/qym-eval/qym/internal/engine/progress"
	"github.com/qym-eval/qym/internal/engine/scheduler"
	"github.com/qym-eval/qym/internal/engine/workpool"
)

const (
	version = "1.0.0-dev"
	name    = "qym-engine"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	manifestPath := flag.String("manifest", "./run.yaml", "path to the run manifest")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	cfg := engineconfig.LoadConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting evaluation engine", slog.String("service", name), slog.String("version", version),
		slog.String("platform_base_url", cfg.PlatformBaseURL), slog.String("api_key", cfg.MaskAPIKey()))

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	manifest, err := loadManifest(*manifestPath)
	if err != nil {
		logger.Error("failed to load run manifest", slog.String("path", *manifestPath), slog.String("error", err.Error()))
		os.Exit(1)
	}

	task, ok := builtinTasks[manifest.Task]
	if !ok {
		logger.Error("unknown task", slog.String("task", manifest.Task))
		os.Exit(1)
	}

	metrics := make([]metric.Metric, 0, len(manifest.Metrics))

	for _, m := range manifest.Metrics {
		fn, ok := builtinMetrics[m]
		if !ok {
			logger.Error("unknown metric", slog.String("metric", m))
			os.Exit(1)
		}

		metrics = append(metrics, fn)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID, err := createRun(ctx, cfg, manifest)
	if err != nil {
		logger.Error("failed to create run on platform", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("run created", slog.String("run_id", runID))

	pool := workpool.New(cfg.MaxConcurrency)
	defer pool.Close()

	probe := adapter.NewBlockingProbe(logger)
	metricRunner := metric.NewRunner(logger)

	tracker := progress.NewTracker(len(manifest.Items))

	for i, item := range manifest.Items {
		tracker.Seed(i, fmt.Sprint(item.Input), fmt.Sprint(item.Expected))
	}

	resume, err := checkpoint.LoadResume(cfg.CheckpointPath)
	if err != nil {
		logger.Error("failed to load checkpoint for resume", slog.String("error", err.Error()))
		os.Exit(1)
	}

	writer, err := checkpoint.NewWriter(cfg.CheckpointPath, manifest.Metrics)
	if err != nil {
		logger.Error("failed to open checkpoint file", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer writer.Close()

	stream := eventstream.NewStream(eventstream.Config{
		BaseURL:        cfg.PlatformBaseURL,
		APIKey:         cfg.APIKey(),
		RunID:          runID,
		Logger:         logger,
		FlushBatchSize: cfg.FlushBatchSize,
		FlushInterval:  cfg.FlushInterval,
		MaxRetries:     cfg.EventMaxRetries,
		RetryDelay:     cfg.EventRetryDelay,
	})

	items := make([]scheduler.Item, len(manifest.Items))
	for i, it := range manifest.Items {
		items[i] = scheduler.Item{ID: it.ID, Index: i, Input: it.Input, Expected: it.Expected, Metadata: it.Metadata}
	}

	sched := scheduler.New(metricRunner)

	result, err := sched.Run(ctx, scheduler.RunParams{
		RunID:                runID,
		Task:                 wrapTask(task, pool, probe, manifest.Task),
		Metrics:              metrics,
		Items:                items,
		Observer:             tracker,
		Checkpoint:           writer,
		Resume:               resume,
		Stream:               stream,
		MaxConcurrency:       cfg.MaxConcurrency,
		MaxMetricConcurrency: cfg.MaxMetricConcurrency,
		ItemTimeout:          cfg.ItemTimeout,
	})

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if closeErr := stream.Close(closeCtx); closeErr != nil {
		logger.Warn("event stream did not drain cleanly", slog.String("error", closeErr.Error()))
	}

	if err != nil {
		logger.Error("run did not complete cleanly", slog.String("run_id", runID), slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("run finished",
		slog.String("run_id", runID),
		slog.Int("total", result.TotalItems),
		slog.Int("completed", result.Completed),
		slog.Int("errored", result.Errored),
		slog.String("final_status", result.FinalStatus))
}

// wrapTask adapts a builtin task function into an adapter.Task dispatched
// through the shared worker pool under the blocking probe, the same
// execution path a registered external task would take.
func wrapTask(fn func(ctx context.Context, in adapter.Invocation) (adapter.Output, error), pool *workpool.Pool, probe *adapter.BlockingProbe, name string) adapter.Task {
	return adapter.SyncTaskFunc{
		Name: name,
		Fn: func(ctx context.Context, in adapter.Invocation, _ *adapter.TaskHooks) (adapter.Output, error) {
			return fn(ctx, in)
		},
		Pool:  pool,
		Probe: probe,
	}
}

// runManifest is the run definition an operator hands the engine: what
// task and metrics to run, and the dataset to run them over. A real
// deployment would generate this from whatever harness drives evaluation;
// it is YAML here because it is meant to be hand-editable.
type runManifest struct {
	ExternalRunID string         `yaml:"external_run_id"`
	Task          string         `yaml:"task"`
	Dataset       string         `yaml:"dataset"`
	Model         string         `yaml:"model"`
	Metrics       []string       `yaml:"metrics"`
	RunMetadata   map[string]any `yaml:"run_metadata"`
	RunConfig     map[string]any `yaml:"run_config"`
	Items         []manifestItem `yaml:"items"`
}

type manifestItem struct {
	ID       string         `yaml:"id"`
	Input    any            `yaml:"input"`
	Expected any            `yaml:"expected"`
	Metadata map[string]any `yaml:"metadata"`
}

func loadManifest(path string) (*runManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m runManifest

	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	if m.Task == "" || m.Dataset == "" {
		return nil, fmt.Errorf("manifest: task and dataset are required")
	}

	for i, item := range m.Items {
		if item.ID == "" {
			m.Items[i].ID = strconv.Itoa(i)
		}
	}

	return &m, nil
}

// createRunRequest/createRunResponse mirror the platform's POST /v1/runs
// contract; the engine has no reason to import the platform's own
// internal request/response types for a one-shot client call.
type createRunRequest struct {
	ExternalRunID string         `json:"external_run_id,omitempty"`
	Task          string         `json:"task"`
	Dataset       string         `json:"dataset"`
	Model         string         `json:"model,omitempty"`
	Metrics       []string       `json:"metrics"`
	RunMetadata   map[string]any `json:"run_metadata"`
	RunConfig     map[string]any `json:"run_config"`
}

type createRunResponse struct {
	RunID   string `json:"run_id"`
	LiveURL string `json:"live_url"`
}

func createRun(ctx context.Context, cfg engineconfig.Config, m *runManifest) (string, error) {
	body, err := json.Marshal(createRunRequest{
		ExternalRunID: m.ExternalRunID,
		Task:          m.Task,
		Dataset:       m.Dataset,
		Model:         m.Model,
		Metrics:       m.Metrics,
		RunMetadata:   m.RunMetadata,
		RunConfig:     m.RunConfig,
	})
	if err != nil {
		return "", fmt.Errorf("encode create-run request: %w", err)
	}

	url := cfg.PlatformBaseURL + "/v1/runs"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build create-run request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey())

	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("create run: platform returned status %d", resp.StatusCode)
	}

	var created createRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode create-run response: %w", err)
	}

	if created.RunID == "" {
		return "", fmt.Errorf("create run: platform returned no run_id")
	}

	return created.RunID, nil
}
