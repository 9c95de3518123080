// Package main is the entrypoint for the triggermail batch dispatcher.
//
// The dispatcher is cron-invoked: each invocation runs exactly one command
// to completion and exits. There is no server loop, no background workers,
// and no concurrency; a run is a strictly sequential pass over one batch.
//
// Commands:
//
//	triggermail send <mailing-type>   dispatch one mailing type
//	triggermail reconcile             report the subscriber delta (no sends)
//	triggermail export-catalog        write the product catalog workbook
//
// Startup per invocation:
//  1. Parse CLI flags; an unknown mailing type exits non-zero before any
//     core operation runs.
//  2. Load and validate configuration (fail fast).
//  3. Initialize the structured logger (stderr or rotating file).
//  4. Connect the state store and the order database, ensure schemas.
//  5. Construct collaborator clients and the dispatcher.
//  6. Run, report the summary, exit with the error's mapped status.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"triggermail/internal/alert"
	"triggermail/internal/config"
	"triggermail/internal/db"
	"triggermail/internal/dispatch"
	"triggermail/internal/export"
	"triggermail/internal/external"
	"triggermail/internal/orders"
	"triggermail/internal/reconcile"
	"triggermail/internal/types"
)

func main() {
	var (
		logLevel string
		logFile  string
	)

	root := &cobra.Command{
		Use:           "triggermail",
		Short:         "transactional email dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default from LOG_LEVEL)")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "log destination file (default from LOG_FILE, else stderr)")

	sendCmd := &cobra.Command{
		Use:   "send <mailing-type>",
		Short: "dispatch one mailing type",
		Long: "Dispatch one mailing type. Valid types:\n  " +
			mailingTypeList(),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mt, err := types.ParseMailingType(args[0])
			if err != nil {
				// Usage error: exit before any core operation runs.
				fmt.Fprintf(os.Stderr, "unknown mailing type %q; valid types: %s\n",
					args[0], mailingTypeList())
				return err
			}
			return runSend(cmd.Context(), logLevel, logFile, mt)
		},
	}

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "report the subscriber delta without dispatching",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd.Context(), logLevel, logFile)
		},
	}

	var exportPath string
	exportCmd := &cobra.Command{
		Use:   "export-catalog",
		Short: "write the product catalog workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), logLevel, logFile, exportPath)
		},
	}
	exportCmd.Flags().StringVar(&exportPath, "out", "catalog.xlsx", "output workbook path")

	var historyMailing string
	historyCmd := &cobra.Command{
		Use:   "history <email>",
		Short: "show the send ledger for a recipient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var mt types.MailingType
			if historyMailing != "" {
				parsed, err := types.ParseMailingType(historyMailing)
				if err != nil {
					fmt.Fprintf(os.Stderr, "unknown mailing type %q; valid types: %s\n",
						historyMailing, mailingTypeList())
					return err
				}
				mt = parsed
			}
			return runHistory(cmd.Context(), logLevel, logFile, args[0], mt)
		},
	}
	historyCmd.Flags().StringVar(&historyMailing, "mailing", "", "filter by mailing type")

	root.AddCommand(sendCmd, reconcileCmd, exportCmd, historyCmd)

	if err := root.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps a run error to the process exit status.
func exitCode(err error) int {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.ExitCode()
	}
	return types.ExitFailure
}

// mailingTypeList renders the valid mailing-type selectors for help text.
func mailingTypeList() string {
	names := make([]string, len(types.AllMailingTypes))
	for i, mt := range types.AllMailingTypes {
		names[i] = string(mt)
	}
	return strings.Join(names, ", ")
}

// app holds the wired components for one invocation.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	runID      string
	statePool  *pgxpool.Pool
	orderPool  *pgxpool.Pool
	ledger     *db.LedgerRepository
	subs       *db.SubscriberRepository
	orders     *orders.Source
	notify     *external.NotifyClient
	wordpress  *external.WordPressClient
	carts      *external.CartClient
	reconciler *reconcile.Reconciler
	alerts     *alert.Mailer
}

// newApp loads configuration and wires every component. Flag values
// override the corresponding config fields.
func newApp(ctx context.Context, logLevel, logFile string) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}

	runID := uuid.NewString()
	logger := newLogger(cfg.LogLevel, cfg.LogFile).With("run_id", runID)

	poolCfg, err := pgxpool.ParseConfig(cfg.Ledger.URL.Unmask())
	if err != nil {
		logger.Error("invalid state store URL", "error", err)
		return nil, types.NewAppError(types.ErrCodeConfigInvalid, "invalid state store URL", err)
	}
	poolCfg.MaxConns = int32(cfg.Ledger.MaxConns)
	poolCfg.MaxConnLifetime = cfg.Ledger.MaxConnLifetime

	statePool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("failed to create state store pool", "error", err)
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create state store pool", err)
	}
	if err := statePool.Ping(ctx); err != nil {
		logger.Error("failed to ping state store", "error", err)
		statePool.Close()
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to ping state store", err)
	}

	orderPool, err := pgxpool.New(ctx, cfg.OrderDB.URL.Unmask())
	if err != nil {
		logger.Error("failed to create order database pool", "error", err)
		statePool.Close()
		return nil, types.NewAppError(types.ErrCodeUpstreamOrderSource, "failed to create order database pool", err)
	}

	ledger := db.NewLedgerRepository(statePool, logger)
	subs := db.NewSubscriberRepository(statePool, logger)
	if err := ledger.EnsureSchema(ctx); err != nil {
		statePool.Close()
		orderPool.Close()
		return nil, err
	}
	if err := subs.EnsureSchema(ctx); err != nil {
		statePool.Close()
		orderPool.Close()
		return nil, err
	}

	wordpress := external.NewWordPressClient(
		&http.Client{Timeout: cfg.WordPress.Timeout},
		external.WordPressClientConfig{
			BaseURL:     cfg.WordPress.BaseURL,
			Username:    cfg.WordPress.Username,
			AppPassword: cfg.WordPress.AppPassword,
			Logger:      logger,
		},
	)

	return &app{
		cfg:       cfg,
		logger:    logger,
		runID:     runID,
		statePool: statePool,
		orderPool: orderPool,
		ledger:    ledger,
		subs:      subs,
		orders:    orders.NewSource(orderPool, logger),
		notify: external.NewNotifyClient(
			&http.Client{Timeout: cfg.Notify.Timeout},
			external.NotifyClientConfig{BaseURL: cfg.Notify.BaseURL, Logger: logger},
		),
		wordpress: wordpress,
		carts: external.NewCartClient(
			&http.Client{Timeout: cfg.Cart.Timeout},
			external.CartClientConfig{
				BaseURL:  cfg.Cart.BaseURL,
				Username: cfg.Cart.Username,
				Password: cfg.Cart.Password,
				Token:    cfg.Cart.Token,
				Logger:   logger,
			},
		),
		reconciler: reconcile.New(wordpress, subs, logger),
		alerts: alert.NewMailer(alert.Config{
			Host:     cfg.Alert.Host,
			Port:     cfg.Alert.Port,
			From:     cfg.Alert.From,
			To:       cfg.Alert.To,
			Username: cfg.Alert.Username,
			Password: cfg.Alert.Password,
		}, logger),
	}, nil
}

// close releases the database pools.
func (a *app) close() {
	a.statePool.Close()
	a.orderPool.Close()
}

// newLogger builds the structured logger. An empty destination logs JSON to
// stderr; a file destination rotates via lumberjack.
func newLogger(level, destination string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	if destination != "" {
		w = &lumberjack.Logger{
			Filename:   destination,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// runSend executes one mailing type to completion.
func runSend(ctx context.Context, logLevel, logFile string, mt types.MailingType) error {
	a, err := newApp(ctx, logLevel, logFile)
	if err != nil {
		return err
	}
	defer a.close()

	ctx = types.WithRunID(ctx, a.runID)

	d := dispatch.New(dispatch.Config{
		Ledger:     a.ledger,
		Notifier:   a.notify,
		Orders:     a.orders,
		Carts:      a.carts,
		Reconciler: a.reconciler,
		Registry: dispatch.NewRegistry(dispatch.EncryptKeys{
			Test:              a.cfg.Notify.TestKey,
			OrderConfirmation: a.cfg.Notify.OrderConfKey,
			ShipConfirmation:  a.cfg.Notify.ShipConfKey,
			AutoshipPrenotice: a.cfg.Notify.AutoshipKey,
			BackorderNotice:   a.cfg.Notify.BackorderKey,
			BlogSubscribe:     a.cfg.Notify.BlogSubKey,
			BlogUnsubscribe:   a.cfg.Notify.BlogUnsubKey,
			CartAbandonShort:  a.cfg.Notify.CartShortKey,
			CartAbandonLong:   a.cfg.Notify.CartLongKey,
		}),
		TestRecipient: a.cfg.Notify.TestRecipient,
		Logger:        a.logger,
	})

	summary, err := d.Run(ctx, mt)
	if err != nil {
		a.logger.Error("dispatch run failed",
			"mailing", string(mt),
			"sent_before_failure", summary.Sent,
			"error", err,
		)
		a.alerts.RunFailed(mt, a.runID, err)
		return err
	}

	a.logger.Info("dispatch run complete",
		"mailing", string(mt),
		"considered", summary.Considered,
		"sent", summary.Sent,
		"skipped", summary.Skipped,
		"raced", summary.Raced,
	)
	fmt.Printf("%s: considered=%d sent=%d skipped=%d\n",
		mt, summary.Considered, summary.Sent, summary.Skipped)
	return nil
}

// runReconcile seeds the cache if empty and reports the current delta
// without dispatching or advancing the cache.
func runReconcile(ctx context.Context, logLevel, logFile string) error {
	a, err := newApp(ctx, logLevel, logFile)
	if err != nil {
		return err
	}
	defer a.close()

	ctx = types.WithRunID(ctx, a.runID)

	imported, err := a.reconciler.SeedLocal(ctx)
	if err != nil {
		return err
	}
	if imported > 0 {
		fmt.Printf("seeded local cache with %d subscribers\n", imported)
	}

	delta, err := a.reconciler.Reconcile(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("subscribed=%d unsubscribed=%d\n",
		len(delta.Subscribed), len(delta.Unsubscribed))
	return nil
}

// runHistory prints the ledger rows for one recipient.
func runHistory(ctx context.Context, logLevel, logFile, email string, mt types.MailingType) error {
	a, err := newApp(ctx, logLevel, logFile)
	if err != nil {
		return err
	}
	defer a.close()

	records, err := a.ledger.History(ctx, email, mt)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("no ledger records for %s\n", email)
		return nil
	}
	for _, rec := range records {
		ext := rec.ExternalID
		if ext == "" {
			ext = "-"
		}
		fmt.Printf("%s  %-20s  %-12s  %s\n",
			rec.SentAt.Format(time.RFC3339), rec.Mailing, ext, rec.Email)
	}
	return nil
}

// runExport writes the product catalog workbook.
func runExport(ctx context.Context, logLevel, logFile, path string) error {
	a, err := newApp(ctx, logLevel, logFile)
	if err != nil {
		return err
	}
	defer a.close()

	ctx = types.WithRunID(ctx, a.runID)

	exporter := export.NewCatalogExporter(a.carts, a.orders, a.logger)
	n, err := exporter.Export(ctx, path)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %d products to %s\n", n, path)
	return nil
}
