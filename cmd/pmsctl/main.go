package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/wolfman30/medspa-pms-sync/internal/app/bootstrap"
	appconfig "github.com/wolfman30/medspa-pms-sync/internal/config"
	"github.com/wolfman30/medspa-pms-sync/internal/jobs"
	"github.com/wolfman30/medspa-pms-sync/internal/practice"
	"github.com/wolfman30/medspa-pms-sync/internal/writer"
	"github.com/wolfman30/medspa-pms-sync/pkg/logging"
)

// commandJobs is the jobs surface the CLI drives.
type commandJobs interface {
	Integration(ctx context.Context, id uuid.UUID) (practice.Integration, error)
	RunIncrementalSync(ctx context.Context, integration practice.Integration) (jobs.SyncSummary, error)
	RunHealthCheck(ctx context.Context, integration practice.Integration) (practice.HealthRecord, error)
	SeedExternalData(ctx context.Context, integration practice.Integration, counts writer.Counts, opts writer.Options) (jobs.SeedSummary, error)
	SyncAllActive(ctx context.Context) ([]jobs.SyncSummary, error)
	CheckAllActive(ctx context.Context) ([]jobs.HealthSummary, error)
}

type buildFunc func(ctx context.Context) (commandJobs, func(), error)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(buildJobs).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func buildJobs(ctx context.Context) (commandJobs, func(), error) {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	pool, err := bootstrap.BuildPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	rt, err := bootstrap.BuildRuntime(cfg, pool, redisClient, nil, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	cleanup := func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		pool.Close()
	}
	return rt.Service, cleanup, nil
}

func newRootCmd(build buildFunc) *cobra.Command {
	var svc commandJobs
	var cleanup func()

	rootCmd := &cobra.Command{
		Use:           "pmsctl",
		Short:         "Run PMS sync, health and seed jobs on demand",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, c, err := build(cmd.Context())
			if err != nil {
				return err
			}
			svc, cleanup = s, c
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if cleanup != nil {
				cleanup()
			}
		},
	}
	jobsFn := func() commandJobs { return svc }

	rootCmd.AddCommand(syncCmd(jobsFn))
	rootCmd.AddCommand(healthCmd(jobsFn))
	rootCmd.AddCommand(seedCmd(jobsFn))
	rootCmd.AddCommand(syncAllCmd(jobsFn))
	rootCmd.AddCommand(healthAllCmd(jobsFn))
	return rootCmd
}

func loadIntegration(ctx context.Context, svc commandJobs, raw string) (practice.Integration, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return practice.Integration{}, fmt.Errorf("invalid integration id %q", raw)
	}
	return svc.Integration(ctx, id)
}

func syncCmd(svc func() commandJobs) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <integration-id>",
		Short: "Run an incremental sync for one integration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			integration, err := loadIntegration(cmd.Context(), svc(), args[0])
			if err != nil {
				return err
			}
			summary, err := svc().RunIncrementalSync(cmd.Context(), integration)
			if printErr := printJSON(cmd.OutOrStdout(), summary); printErr != nil {
				return printErr
			}
			return err
		},
	}
}

func healthCmd(svc func() commandJobs) *cobra.Command {
	return &cobra.Command{
		Use:   "health <integration-id>",
		Short: "Probe one integration and record its health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			integration, err := loadIntegration(cmd.Context(), svc(), args[0])
			if err != nil {
				return err
			}
			rec, err := svc().RunHealthCheck(cmd.Context(), integration)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func seedCmd(svc func() commandJobs) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed <integration-id>",
		Short: "Push demo appointments, payments and adjustments into the PMS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appointments, _ := cmd.Flags().GetInt("appointments")
			payments, _ := cmd.Flags().GetInt("payments")
			adjustments, _ := cmd.Flags().GetInt("adjustments")
			prefix, _ := cmd.Flags().GetString("prefix")
			startedAt, _ := cmd.Flags().GetString("started-at")
			paymentType, _ := cmd.Flags().GetString("payment-type")
			adjustmentType, _ := cmd.Flags().GetString("adjustment-type")

			opts := writer.Options{
				IdempotencyPrefix:      prefix,
				ExplicitPaymentType:    paymentType,
				ExplicitAdjustmentType: adjustmentType,
			}
			if startedAt != "" {
				ts, err := time.Parse(time.RFC3339, startedAt)
				if err != nil {
					return fmt.Errorf("invalid --started-at: %w", err)
				}
				opts.StartedAt = ts.UTC()
			}

			integration, err := loadIntegration(cmd.Context(), svc(), args[0])
			if err != nil {
				return err
			}
			counts := writer.Counts{Appointments: appointments, Payments: payments, Adjustments: adjustments}
			summary, err := svc().SeedExternalData(cmd.Context(), integration, counts, opts)
			if printErr := printJSON(cmd.OutOrStdout(), summary); printErr != nil {
				return printErr
			}
			return err
		},
	}
	cmd.Flags().Int("appointments", 20, "Appointments to create")
	cmd.Flags().Int("payments", 0, "Payments to create")
	cmd.Flags().Int("adjustments", 0, "Adjustments to create")
	cmd.Flags().String("prefix", "seed", "Idempotency key prefix")
	cmd.Flags().String("started-at", "", "Replay a previous invocation by its RFC3339 start time")
	cmd.Flags().String("payment-type", "", "Payment type name; defaults to the first type the PMS lists")
	cmd.Flags().String("adjustment-type", "", "Adjustment type name; defaults to the first type the PMS lists")
	return cmd
}

func syncAllCmd(svc func() commandJobs) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-all",
		Short: "Run an incremental sync for every active integration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			summaries, err := svc().SyncAllActive(cmd.Context())
			if printErr := printJSON(cmd.OutOrStdout(), summaries); printErr != nil {
				return printErr
			}
			return err
		},
	}
}

func healthAllCmd(svc func() commandJobs) *cobra.Command {
	return &cobra.Command{
		Use:   "health-all",
		Short: "Probe every active integration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := svc().CheckAllActive(cmd.Context())
			if printErr := printJSON(cmd.OutOrStdout(), results); printErr != nil {
				return printErr
			}
			return err
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
