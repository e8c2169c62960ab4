package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/screening-queue/internal/decision"
	"github.com/ChuLiYu/screening-queue/internal/events"
	"github.com/ChuLiYu/screening-queue/internal/report"
	"github.com/ChuLiYu/screening-queue/internal/store/sqlite"
	"github.com/ChuLiYu/screening-queue/internal/store/storetest"
	"github.com/ChuLiYu/screening-queue/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "screenq", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Use] = true
	}
	for _, name := range []string{"run", "ingest", "screen", "status", "abort"} {
		assert.True(t, commandNames[name], "missing %q command", name)
	}
	assert.Len(t, cmd.Commands(), 5)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.RunE)
}

func TestBuildIngestCommand(t *testing.T) {
	cmd := buildIngestCommand()

	assert.Equal(t, "ingest", cmd.Use)
	fileFlag := cmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag)
	assert.Equal(t, "f", fileFlag.Shorthand)
	assert.NotNil(t, cmd.Flags().Lookup("job"))
	assert.NotNil(t, cmd.RunE)
}

func TestBuildScreenCommand(t *testing.T) {
	cmd := buildScreenCommand()

	assert.Equal(t, "screen", cmd.Use)
	for _, name := range []string{"addr", "timeout", "job", "include", "exclude", "total", "wait"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing --%s", name)
	}
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()

	assert.Equal(t, "status", cmd.Use)
	assert.Contains(t, cmd.Short, "status")
	assert.NotNil(t, cmd.Flags().Lookup("job"))
	assert.NotNil(t, cmd.RunE)
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "test_config.yaml")

	configContent := `
coordinator:
  max_concurrent_jobs: 2
  workers: 4
  batch_size: 5
  max_retries: 2
  base_delay: 1s
  task_timeout: 30s
  claim_lease: 10m

store:
  driver: sqlite
  path: ./test_data/studies.db

decider:
  kind: http
  endpoint: http://localhost:11434
  model: llama3
  timeout: 20s

registry:
  snapshot_path: ./test_data/snap.json
  wal_path: ./test_data/registry.wal
  snapshot_interval: 15s

metrics:
  enabled: true
  port: 9191

grpc:
  enabled: true
  port: 6000

http:
  enabled: true
  port: 8181
  allowed_origins: ["http://localhost:3000"]

logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Coordinator.MaxConcurrentJobs)
	assert.Equal(t, 4, cfg.Coordinator.Workers)
	assert.Equal(t, 5, cfg.Coordinator.BatchSize)
	assert.Equal(t, 2, cfg.Coordinator.MaxRetries)
	assert.Equal(t, time.Second, cfg.Coordinator.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Coordinator.TaskTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Coordinator.ClaimLease)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "./test_data/studies.db", cfg.Store.Path)
	assert.Equal(t, "http", cfg.Decider.Kind)
	assert.Equal(t, 20*time.Second, cfg.Decider.Timeout)
	assert.Equal(t, 15*time.Second, cfg.Registry.SnapshotInterval)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9191, cfg.Metrics.Port)
	assert.Equal(t, 6000, cfg.GRPC.Port)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, "json", cfg.Logging.Format)

	cc := cfg.CoordinatorConfig()
	assert.Equal(t, 2, cc.MaxConcurrentJobs)
	assert.Equal(t, 4, cc.Workers)
	assert.Equal(t, 15*time.Second, cc.SnapshotInterval)
}

func TestLoadConfig_FileNotFoundUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, 3, cfg.Coordinator.MaxConcurrentJobs)
	assert.Equal(t, 3, cfg.Coordinator.Workers)
	assert.Equal(t, 10, cfg.Coordinator.BatchSize)
	assert.Equal(t, 3, cfg.Coordinator.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Coordinator.BaseDelay)
	assert.Equal(t, 5*time.Minute, cfg.Coordinator.ClaimLease)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "keyword", cfg.Decider.Kind)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")

	invalidYAML := `
coordinator:
  workers: "not a number"
  invalid yaml structure
    broken indentation
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0o644))

	cfg, err := LoadConfig(configPath)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(""), 0o644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Store.Driver = "cassandra" }, "unknown store.driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn"},
		{"mongo without uri", func(c *Config) { c.Store.Driver = "mongo" }, "store.uri"},
		{"http decider without endpoint", func(c *Config) { c.Decider.Kind = "http" }, "decider.endpoint"},
		{"unknown decider", func(c *Config) { c.Decider.Kind = "oracle" }, "unknown decider.kind"},
		{"events without url", func(c *Config) { c.Events.Enabled = true }, "events.url"},
		{"cache without address", func(c *Config) { c.Cache.Enabled = true }, "cache.address"},
		{"archive without bucket", func(c *Config) { c.Archive.Enabled = true }, "archive.bucket"},
		{"archive bad format", func(c *Config) { c.Archive.Format = "ris" }, "archive.format"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Format = "json"
	cfg.Logging.Level = "warn"

	var buf bytes.Buffer
	logger, err := NewLogger(cfg, &buf)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", "jobID", "job-1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "job-1", line["jobID"])
}

func writeStudies(t *testing.T, studies []types.Study) string {
	t.Helper()
	data, err := json.Marshal(studies)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "studies.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestReadStudies(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		path := writeStudies(t, storetest.Studies("s", 3))
		studies, err := readStudies(path)
		require.NoError(t, err)
		assert.Len(t, studies, 3)
	})

	t.Run("missing title", func(t *testing.T) {
		path := writeStudies(t, []types.Study{{ID: "s-1", Title: "ok"}, {ID: "s-2"}})
		_, err := readStudies(path)
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrPermanentValidation)
		assert.Contains(t, err.Error(), "study 1")
	})

	t.Run("invalid json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
		_, err := readStudies(path)
		assert.ErrorContains(t, err, "failed to parse study file")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := readStudies("/nonexistent/studies.json")
		assert.ErrorContains(t, err, "failed to read study file")
	})
}

func TestIngestStudies_SQLite(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = filepath.Join(t.TempDir(), "data", "studies.db")
	ctx := context.Background()

	n, err := ingestStudies(ctx, cfg, "review-1", writeStudies(t, storetest.Studies("s", 4)))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	st, err := sqlite.Open(cfg.Store.Path, nil)
	require.NoError(t, err)
	defer st.Close()
	counts, err := st.Count(ctx, "review-1")
	require.NoError(t, err)
	assert.Equal(t, 4, counts.Total)
	assert.Equal(t, 4, counts.Pending())
}

func TestIngestStudies_MemoryRejected(t *testing.T) {
	_, err := ingestStudies(context.Background(), DefaultConfig(), "review-1", "unused.json")
	assert.ErrorContains(t, err, "persistent store")
}

func testSystemConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Coordinator.BaseDelay = time.Millisecond
	cfg.Registry.WALPath = filepath.Join(dir, "data", "registry.wal")
	cfg.Registry.SnapshotPath = filepath.Join(dir, "data", "registry.snapshot.json")
	cfg.Metrics.Enabled = true
	return cfg
}

func TestOpenSystem_ScreensJobEndToEnd(t *testing.T) {
	cfg := testSystemConfig(t)
	ctx := context.Background()

	sys, err := openSystem(ctx, cfg, nil, prometheus.NewRegistry())
	require.NoError(t, err)

	_, err = sys.store.AddStudies(ctx, "review-1", storetest.Studies("s", 12))
	require.NoError(t, err)
	require.NoError(t, sys.coord.Start())

	criteria := types.Criteria{Inclusion: []string{"randomized"}, Exclusion: []string{"mice"}}
	_, err = sys.coord.Screen(ctx, "review-1", criteria)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	snap, err := sys.coord.Wait(waitCtx, "review-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, snap.Status)
	assert.Equal(t, 12, snap.ProcessedStudies)
	assert.Equal(t, 100.0, snap.Progress)

	summary, err := sys.coord.Summary("review-1")
	require.NoError(t, err)
	assert.Equal(t, 12, summary.Counts[types.DecisionInclude])

	require.NoError(t, sys.close(ctx))
	assert.FileExists(t, cfg.Registry.SnapshotPath)
	assert.FileExists(t, cfg.Registry.WALPath)
}

func TestServe_StopsWhenContextIsDone(t *testing.T) {
	cfg := testSystemConfig(t)
	cfg.Metrics.Enabled = false
	cfg.GRPC.Enabled = true
	cfg.GRPC.Port = 0

	sys, err := openSystem(context.Background(), cfg, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sys.serve(ctx) }()

	require.Eventually(t, sys.coord.Healthy, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	assert.NoError(t, sys.close(context.Background()))
}

func TestNewDecider(t *testing.T) {
	cfg := DefaultConfig()
	d, err := newDecider(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, decision.Keyword{}, d)

	cfg.Decider.Kind = "http"
	cfg.Decider.Endpoint = "http://localhost:11434"
	d, err = newDecider(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &decision.HTTP{}, d)

	cfg.Decider.Endpoint = ""
	_, err = newDecider(cfg, nil)
	assert.Error(t, err)
}

func TestNewArchiver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Archive.Bucket = "reviews"
	cfg.Archive.Format = "json"
	cfg.Archive.Endpoint = "http://localhost:9000"

	a, err := newArchiver(context.Background(), cfg, nil)
	require.NoError(t, err)
	s3a, ok := a.(*report.S3Archiver)
	require.True(t, ok)
	assert.Equal(t, "reports/screening-job-1.json", s3a.Key("job-1"))
}

func TestNewPublisherDisabled(t *testing.T) {
	pub, err := newPublisher(DefaultConfig(), nil)
	require.NoError(t, err)
	assert.IsType(t, events.Nop{}, pub)
}

type scriptedStatus struct {
	calls     int
	statuses  []types.JobStatus
	processed []int
}

func (s *scriptedStatus) GetStatus(_ context.Context, id types.JobID) (types.StatusSnapshot, error) {
	i := s.calls
	if i >= len(s.statuses) {
		i = len(s.statuses) - 1
	}
	s.calls++
	return types.StatusSnapshot{ID: id, Status: s.statuses[i], ProcessedStudies: s.processed[i], TotalStudies: 2}, nil
}

func TestWaitForJob(t *testing.T) {
	getter := &scriptedStatus{
		statuses:  []types.JobStatus{types.StatusPending, types.StatusProcessing, types.StatusCompleted},
		processed: []int{0, 1, 2},
	}

	snap, err := waitForJob(context.Background(), getter, "job-1", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, snap.Status)
	assert.Equal(t, 2, snap.ProcessedStudies)
	assert.Equal(t, 3, getter.calls)
}

func TestWaitForJob_ContextDone(t *testing.T) {
	getter := &scriptedStatus{statuses: []types.JobStatus{types.StatusProcessing}, processed: []int{1}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	snap, err := waitForJob(ctx, getter, "job-1", time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, types.StatusProcessing, snap.Status)
}

func TestPrintStatus(t *testing.T) {
	now := time.Now()
	var buf bytes.Buffer
	printStatus(&buf, types.StatusSnapshot{
		ID:               "job-1",
		Status:           types.StatusFailed,
		Progress:         50,
		ProcessedStudies: 1,
		TotalStudies:     2,
		RetryCount:       1,
		LastError:        "aborted: operator",
		History: []types.Attempt{
			{Number: 1, StartedAt: now, CompletedAt: &now, Status: types.AttemptAborted, Error: "aborted: operator"},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "Job job-1")
	assert.Contains(t, out, "50.00% (1/2)")
	assert.Contains(t, out, "#1 aborted: aborted: operator")
}

func TestPrintAgents(t *testing.T) {
	var buf bytes.Buffer
	printAgents(&buf, "healthy", types.AgentStatus{
		TotalAgents:  4,
		ActiveAgents: 1,
		JobsByStatus: map[types.JobStatus]int{types.StatusCompleted: 2},
	})

	out := buf.String()
	assert.Contains(t, out, "Coordinator: healthy")
	assert.Contains(t, out, "1/4 active")
	assert.Contains(t, out, "completed")
}
