package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/radiology/internal/config"
	"github.com/ehr/radiology/internal/domain/mpps"
	"github.com/ehr/radiology/internal/platform/db"
	"github.com/ehr/radiology/internal/platform/dicom"
	"github.com/ehr/radiology/internal/platform/dimse"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "mpps-scp",
		Short:   "Modality Performed Procedure Step SCP for the radiology module",
		Version: version,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(echoCmd())
	root.AddCommand(inspectCmd())
	root.AddCommand(migrateCmd())
	return root
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the DICOM listener and the operations API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				logger.Error().Err(err).Msg("failed to initialise")
				return err
			}
			defer a.close()
			return a.run(ctx)
		},
	}
}

func echoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Send a C-ECHO to a DICOM peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			calling, _ := cmd.Flags().GetString("calling-ae")
			called, _ := cmd.Flags().GetString("called-ae")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c, err := dimse.Dial(ctx, addr, dimse.ClientConfig{
				CallingAE: calling,
				CalledAE:  called,
				Timeout:   timeout,
				Contexts: []dimse.PresentationContext{{
					AbstractSyntax:   dicom.VerificationSOPClass,
					TransferSyntaxes: []string{dicom.ImplicitVRLittleEndian},
				}},
			})
			if err != nil {
				return fmt.Errorf("associate with %s: %w", addr, err)
			}
			defer c.Release()

			status, err := c.Echo(ctx)
			if err != nil {
				return fmt.Errorf("C-ECHO: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "C-ECHO %s@%s: %s\n", called, addr, status)
			if !status.IsSuccess() {
				return fmt.Errorf("C-ECHO returned %s", status)
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:11112", "Peer host:port")
	cmd.Flags().String("calling-ae", "MPPS_ECHO", "Calling AE title")
	cmd.Flags().String("called-ae", "RADIOLOGY_MODULE", "Called AE title")
	cmd.Flags().Duration("timeout", 10*time.Second, "Association and response timeout")
	return cmd
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print a stored procedure step record as DICOM JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			pf, err := dicom.ReadFile(f)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			rec := mpps.NewRecord(
				pf.Meta.StringOr(dicom.MediaStorageSOPInstanceUID, ""),
				pf.Meta.StringOr(dicom.MediaStorageSOPClassUID, ""),
				pf.Dataset,
			)
			rec.TransferSyntaxUID = pf.TransferSyntax()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the radiology_study schema used by the postgres status bridge",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeFn, err := openMigrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := m.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeFn, err := openMigrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := m.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, db.Migrations()), pool.Close, nil
}
