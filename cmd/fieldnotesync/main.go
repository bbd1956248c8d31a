package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"
	"github.com/Lllllllleong/fieldnotesync/internal/config"
	"github.com/Lllllllleong/fieldnotesync/internal/control"
	"github.com/Lllllllleong/fieldnotesync/internal/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	v := config.New()
	var (
		cfg      *config.Config
		closeLog func() error
	)

	rootCmd := &cobra.Command{
		Use:           "fieldnotesync",
		Short:         "Offline-first field note sync and batched upload",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "path to fieldnotesync.yaml")
	flags.String("account", "", "account id of the signed-in user")
	flags.String("gcp-project", "", "GCP project holding the ledger")
	flags.String("store", "", "path of the local SQLite store")
	flags.Bool("dry-run", false, "use an in-memory ledger and skip real uploads")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	for key, name := range map[string]string{
		"account_id":     "account",
		"gcp_project_id": "gcp-project",
		"store.path":     "store",
		"dry_run":        "dry-run",
		"log.level":      "log-level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", name, err))
		}
	}

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			v.SetConfigFile(path)
		}
		var err error
		cfg, err = config.Load(v)
		if err != nil {
			return err
		}
		closeLog, err = logging.Setup(cfg.Log)
		return err
	}
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		if closeLog != nil {
			return closeLog()
		}
		return nil
	}

	getConfig := func() *config.Config { return cfg }
	rootCmd.AddCommand(
		runCommand(getConfig),
		uploadCommand(getConfig),
		refreshCommand(getConfig),
		logoutCommand(getConfig),
	)
	return rootCmd
}

// runCommand starts the scheduler and serves the control API until interrupted.
func runCommand(getConfig func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync scheduler and the local control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := getConfig()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.scheduler.Start(ctx); err != nil {
				return err
			}

			if cfg.Control.MetricsAddr != "" {
				srv := &http.Server{
					Addr:              cfg.Control.MetricsAddr,
					Handler:           promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						slog.Error("Metrics server failed", "error", err)
					}
				}()
				defer srv.Close()
			}

			control.Register(control.NewHandlers(a.scheduler))
			serveErr := make(chan error, 1)
			go func() {
				slog.Info("Serving control API.", "port", cfg.Control.Port)
				serveErr <- funcframework.Start(cfg.Control.Port)
			}()

			select {
			case <-ctx.Done():
				slog.Info("Shutdown signal received")
				return nil
			case err := <-serveErr:
				return fmt.Errorf("control API stopped: %w", err)
			}
		},
	}
}

func uploadCommand(getConfig func() *config.Config) *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Run one upload cycle for a project",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), getConfig())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.scheduler.UploadNow(cmd.Context(), projectID)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(control.NewUploadNowResponse(res, err)); encErr != nil {
				return encErr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id to upload")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func refreshCommand(getConfig func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Pull projects, profile and committed notes from the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), getConfig())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.scheduler.RefreshOnce(cmd.Context())
		},
	}
}

// logoutCommand wipes the local store, as signing out of the app does.
func logoutCommand(getConfig func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear every note, project and profile stored on this device",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), getConfig())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.store.Clear(cmd.Context()); err != nil {
				return fmt.Errorf("failed to clear local store: %w", err)
			}
			if getConfig().DryRun {
				slog.Info("Dry run: device store left untouched.")
				return nil
			}
			slog.Info("Local store cleared.")
			return nil
		},
	}
}
