package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mikeyg42/capturer/internal/capture"
	"github.com/mikeyg42/capturer/internal/config"
	"github.com/mikeyg42/capturer/internal/crypto"
	"github.com/mikeyg42/capturer/internal/notification"
	"github.com/mikeyg42/capturer/internal/storage"
	"github.com/mikeyg42/capturer/internal/validate"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Monitor the configured regions, dispatch reports and serve the local API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := NewApplication(cfg)
			if err != nil {
				return err
			}
			defer app.Cleanup()

			if err := app.Initialize(ctx); err != nil {
				return err
			}
			return app.Run(ctx)
		},
	}
}

func newValidateCmd() *cobra.Command {
	var checkDisplay bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := validate.ValidateConfig(cfg); err != nil {
				return err
			}
			if checkDisplay {
				src, err := capture.NewScreenSource(cfg.Capture.Display)
				if err != nil {
					return err
				}
				if err := validate.RegionBounds(cfg.Regions, src.Bounds()); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: configuration is valid (%d regions)\n", configPath, len(cfg.Regions))
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkDisplay, "display", false, "also check region bounds against the configured display")
	return cmd
}

func newDisplaysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "displays",
		Short: "List active displays and their bounds",
		RunE: func(cmd *cobra.Command, _ []string) error {
			displays := capture.Displays()
			if len(displays) == 0 {
				return errors.New("no active displays found")
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tORIGIN\tSIZE")
			for _, d := range displays {
				fmt.Fprintf(w, "%d\t%d,%d\t%dx%d\n", d.Index, d.Bounds.Min.X, d.Bounds.Min.Y, d.Bounds.Dx(), d.Bounds.Dy())
			}
			return w.Flush()
		},
	}
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a master key for sealing config secrets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := crypto.GenerateMasterKey()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, key)
			fmt.Fprintf(cmd.ErrOrStderr(), "export %s=<key> before running `capturer seal` or `capturer run`\n", crypto.MasterKeyEnv)
			return nil
		},
	}
}

func newSealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seal VALUE",
		Short: "Encrypt a secret for use in the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.KeyFromEnv(config.DefaultSaltPath())
			if err != nil {
				return err
			}
			sealed, err := crypto.Seal(args[0], key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Inspect generated reports",
	}

	var (
		limit  int
		period string
		since  time.Duration
	)
	history := &cobra.Command{
		Use:   "history",
		Short: "List reports and their delivery attempts from the history database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Storage.History.Enabled {
				return errors.New("report history is disabled in the config")
			}
			_, historyCfg := config.CreateStorageConfigs(cfg)
			store, err := storage.NewHistoryStore(historyCfg)
			if err != nil {
				return err
			}
			defer store.Close()

			q := storage.ReportQuery{Limit: limit, Period: period}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			return printHistory(cmd.Context(), cmd, store, q)
		},
	}
	history.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of reports")
	history.Flags().StringVar(&period, "period", "", "only daily or weekly reports")
	history.Flags().DurationVar(&since, "since", 0, "only reports generated within this duration")

	cmd.AddCommand(history)
	return cmd
}

func printHistory(ctx context.Context, cmd *cobra.Command, store storage.HistoryStore, q storage.ReportQuery) error {
	recs, err := store.ListReports(ctx, q)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no reports")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GENERATED\tPERIOD\tFORMAT\tACTIVITIES\tBUSIEST\tDELIVERY\tARCHIVE")
	for _, r := range recs {
		attempts, err := store.ListAttempts(ctx, r.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.GeneratedAt.Format("2006-01-02 15:04"), r.Period, r.Format,
			r.TotalActivities, dash(r.BusiestRegion), deliveryStatus(attempts), dash(r.ArchiveKey))
	}
	return w.Flush()
}

func deliveryStatus(attempts []*storage.DispatchAttempt) string {
	if len(attempts) == 0 {
		return "-"
	}
	last := attempts[len(attempts)-1]
	if last.Success {
		return "sent via " + last.Method
	}
	return "failed: " + last.Error
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newGmailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gmail",
		Short: "Manage Gmail API delivery",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "auth",
		Short: "Authorize sending through Gmail and store the OAuth2 token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var key []byte
			if k, err := crypto.KeyFromEnv(config.DefaultSaltPath()); err == nil {
				key = k
				if err := cfg.OpenSecrets(key); err != nil {
					return err
				}
			} else if !errors.Is(err, crypto.ErrNoMasterKey) || cfg.HasSealedSecrets() {
				return err
			}

			_, gmailCfg := config.CreateNotifierConfigs(cfg, key)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			if err := notification.Authorize(ctx, gmailCfg, cmd.OutOrStdout()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token saved to %s\n", gmailCfg.TokenPath)
			return nil
		},
	})
	return cmd
}
