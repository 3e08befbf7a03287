package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stayledger/internal/ledger"
	appLog "stayledger/internal/log"
	"stayledger/internal/model"
	"stayledger/internal/obs"
	"stayledger/internal/web"
	"stayledger/internal/webhook"
)

func serveCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver, availability API and calendar export",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			appLog.Info("stayledger starting",
				"version", version,
				"listen", cfg.Listen,
				"timezone", cfg.Timezone,
				"properties", len(cfg.Properties),
				"database", cfg.Database.Driver,
				"wal", cfg.Ledger.WALPath,
			)

			shutdownTracer, err := obs.InitTracer(ctx, cfg.Tracing, version)
			if err != nil {
				return err
			}
			defer func() {
				tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracer(tctx); err != nil {
					appLog.Error("tracer shutdown failed", err)
				}
			}()

			a, err := newApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if cfg.Ledger.ReconcileCron != "" {
				if _, err := a.ledger.StartReconciler(ctx, cfg.Ledger.ReconcileCron); err != nil && !errors.Is(err, ledger.ErrNoWAL) {
					return err
				}
			}

			srv := web.NewServer(cfg, a.ingestor, a.ledger, a.availability)
			err = srv.Run(ctx)
			appLog.Info("stayledger exiting")
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}

func reconcileCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Replay the write-ahead log into the primary store once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.ledger.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func exportCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "export <property>",
		Short: "Write the ICS calendar of a property to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			p, ok := a.availability.Property(args[0])
			if !ok {
				return fmt.Errorf("unknown property %q", args[0])
			}
			rs, err := a.ledger.Read(cmd.Context(), p.Code, time.Time{}, time.Time{})
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), exportCalendar(cfg, p, rs))
			return err
		},
	}
}

func feedsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "feeds <property>",
		Short: "Fetch the channel feeds of a property and print the expanded blocks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			p, ok := a.availability.Property(args[0])
			if !ok {
				return fmt.Errorf("unknown property %q", args[0])
			}
			blocks := a.aggregator.FetchAll(cmd.Context(), p.Code)
			out := cmd.OutOrStdout()
			for _, b := range blocks {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n",
					model.FormatDate(b.Start), model.FormatDate(b.End), b.Source, b.UID, b.Label)
			}
			fmt.Fprintf(out, "%d blocks from %d feeds\n", len(blocks), len(a.aggregator.Sources(p.Code)))
			return nil
		},
	}
}

// signCmd produces a signature header for a local payload, for replaying
// provider events against a running instance with curl.
func signCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sign <payload.json>",
		Short: "Print a " + webhook.SignatureHeader + " header value for a payload file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Webhook.Secret == "" {
				return errors.New("webhook secret is not configured")
			}
			payload, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), webhook.Sign(payload, cfg.Webhook.Secret, time.Now()))
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
