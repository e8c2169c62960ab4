// ============================================================================
// screenq CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and driving the screening queue
//
// Command Structure:
//   screenq                        # Root command
//   ├── run                        # Start coordinator, agents and servers
//   ├── ingest                     # Load studies from a JSON file
//   │   └── --file, -f, --job
//   ├── screen                     # Start screening a job over gRPC
//   │   └── --job, --include, --exclude, --total, --wait
//   ├── status                     # Job, agent or health status over gRPC
//   ├── abort                      # Abort a running job over gRPC
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --version
//
// ingest JSON format:
//   [
//     {"id": "s-1", "title": "...", "abstract": "...", "keywords": ["..."]}
//   ]
//
// Examples:
//   ./screenq run -c configs/default.yaml
//   ./screenq ingest -f studies.json --job review-1
//   ./screenq screen --job review-1 --include "randomized" --exclude "animal" --wait
//   ./screenq status --job review-1
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/screening-queue/internal/decision"
	"github.com/ChuLiYu/screening-queue/internal/server"
	"github.com/ChuLiYu/screening-queue/pkg/types"
)

// Version is reported by --version.
const Version = "1.0.0"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "screenq",
		Short: "screenq: a screening job queue for systematic reviews",
		Long: `screenq coordinates a pool of screening agents over study records:
- bounded job admission with retry and exponential backoff
- WAL and snapshot backed job registry
- SQLite, PostgreSQL, MongoDB or in-memory record stores
- gRPC and HTTP status surfaces, Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildIngestCommand())
	rootCmd.AddCommand(buildScreenCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildAbortCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the screening coordinator",
		Long:  "Start the coordinator, the agent pool and the enabled gRPC, HTTP and metrics servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg, cmd.ErrOrStderr())
		},
	}
	return cmd
}

func buildIngestCommand() *cobra.Command {
	var studyFile string
	var jobID string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load studies from a JSON file into the record store",
		Long:  "Read study records from a JSON array and store them under a job id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if studyFile == "" {
				return fmt.Errorf("study file is required (use --file or -f)")
			}
			if jobID == "" {
				return fmt.Errorf("job id is required (use --job)")
			}
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return err
			}
			n, err := ingestStudies(cmd.Context(), cfg, types.JobID(jobID), studyFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %d studies for job %s\n", n, jobID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&studyFile, "file", "f", "", "JSON file containing study records")
	cmd.Flags().StringVar(&jobID, "job", "", "job id the studies belong to")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("job")

	return cmd
}

func ingestStudies(ctx context.Context, cfg *Config, jobID types.JobID, path string) (int, error) {
	if cfg.Store.Driver == "memory" {
		return 0, errors.New("ingest needs a persistent store driver (sqlite, postgres or mongo)")
	}

	studies, err := readStudies(path)
	if err != nil {
		return 0, err
	}

	logger, err := NewLogger(cfg, os.Stderr)
	if err != nil {
		return 0, err
	}
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return 0, err
	}
	defer st.Close()

	n, err := st.AddStudies(ctx, jobID, studies)
	if err != nil {
		return 0, fmt.Errorf("failed to store studies: %w", err)
	}
	return n, nil
}

// readStudies parses and validates a JSON array of studies.
func readStudies(path string) ([]types.Study, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read study file: %w", err)
	}

	var studies []types.Study
	if err := json.Unmarshal(data, &studies); err != nil {
		return nil, fmt.Errorf("failed to parse study file: %w", err)
	}
	for i, s := range studies {
		if err := decision.CheckStudy(s); err != nil {
			return nil, fmt.Errorf("study %d: %w", i, err)
		}
	}
	return studies, nil
}

// grpcFlags are shared by the commands that talk to a running coordinator.
type grpcFlags struct {
	addr    string
	timeout time.Duration
}

func (f *grpcFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "", "coordinator gRPC address (default localhost:<grpc.port>)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "request timeout")
}

func (f *grpcFlags) dial() (*server.Client, error) {
	addr := f.addr
	if addr == "" {
		cfg, err := LoadConfig(configFile)
		if err != nil {
			return nil, err
		}
		addr = fmt.Sprintf("localhost:%d", cfg.GRPC.Port)
	}
	return server.Dial(addr)
}

func buildScreenCommand() *cobra.Command {
	var g grpcFlags
	var jobID string
	var include, exclude []string
	var total int
	var wait bool

	cmd := &cobra.Command{
		Use:   "screen",
		Short: "Start screening a job",
		Long:  "Submit a screening job with inclusion and exclusion criteria to a running coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			var totalPtr *int
			if cmd.Flags().Changed("total") {
				totalPtr = &total
			}
			criteria := types.Criteria{Inclusion: include, Exclusion: exclude}

			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			snap, err := client.SubmitJob(ctx, types.JobID(jobID), criteria, totalPtr)
			cancel()
			if err != nil {
				return err
			}
			if wait {
				snap, err = waitForJob(cmd.Context(), client, snap.ID, time.Second)
				if err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}

	g.register(cmd)
	cmd.Flags().StringVar(&jobID, "job", "", "job id (generated when empty)")
	cmd.Flags().StringArrayVar(&include, "include", nil, "inclusion criterion (repeatable)")
	cmd.Flags().StringArrayVar(&exclude, "exclude", nil, "exclusion criterion (repeatable)")
	cmd.Flags().IntVar(&total, "total", 0, "number of studies (default: counted by the store)")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job reaches a terminal status")

	return cmd
}

// jobStatusGetter is the part of *server.Client the polling loop needs.
type jobStatusGetter interface {
	GetStatus(ctx context.Context, id types.JobID) (types.StatusSnapshot, error)
}

func waitForJob(ctx context.Context, c jobStatusGetter, id types.JobID, every time.Duration) (types.StatusSnapshot, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		snap, err := c.GetStatus(ctx, id)
		if err != nil {
			return types.StatusSnapshot{}, err
		}
		if snap.Status.Terminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

func buildStatusCommand() *cobra.Command {
	var g grpcFlags
	var jobID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job, agent and health status",
		Long:  "Display one job's status, or the agent pool and health of a running coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()

			if jobID != "" {
				snap, err := client.GetStatus(ctx, types.JobID(jobID))
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), snap)
				return nil
			}

			health, err := client.Health(ctx)
			if err != nil {
				return err
			}
			printAgents(cmd.OutOrStdout(), health.Status, health.Agents)
			return nil
		},
	}

	g.register(cmd)
	cmd.Flags().StringVar(&jobID, "job", "", "job id (omit for agent status)")

	return cmd
}

func buildAbortCommand() *cobra.Command {
	var g grpcFlags
	var jobID, reason string

	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Abort a running job",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			snap, err := client.AbortJob(ctx, types.JobID(jobID), reason)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), snap)
			return nil
		},
	}

	g.register(cmd)
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the job")
	_ = cmd.MarkFlagRequired("job")

	return cmd
}

func printStatus(w io.Writer, s types.StatusSnapshot) {
	fmt.Fprintf(w, "Job %s\n", s.ID)
	fmt.Fprintf(w, "  ├─ Status:     %s\n", s.Status)
	fmt.Fprintf(w, "  ├─ Progress:   %.2f%% (%d/%d)\n", s.Progress, s.ProcessedStudies, s.TotalStudies)
	fmt.Fprintf(w, "  ├─ Retries:    %d\n", s.RetryCount)
	if s.LastError != "" {
		fmt.Fprintf(w, "  ├─ Last error: %s\n", s.LastError)
	}
	fmt.Fprintf(w, "  └─ Attempts:   %d\n", len(s.History))
	for _, a := range s.History {
		line := fmt.Sprintf("     └─ #%d %s", a.Number, a.Status)
		if a.Error != "" {
			line += ": " + a.Error
		}
		fmt.Fprintln(w, line)
	}
}

func printAgents(w io.Writer, health string, a types.AgentStatus) {
	fmt.Fprintf(w, "Coordinator: %s\n", health)
	fmt.Fprintf(w, "  ├─ Agents:       %d/%d active\n", a.ActiveAgents, a.TotalAgents)
	fmt.Fprintf(w, "  ├─ Queue length: %d\n", a.QueueLength)
	fmt.Fprintf(w, "  ├─ Queued tasks: %d\n", a.QueuedTasks)
	fmt.Fprintln(w, "  └─ Jobs:")
	for _, st := range types.AllStatuses {
		fmt.Fprintf(w, "     └─ %-10s %d\n", st, a.JobsByStatus[st])
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
