package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dhcgn/winesync/classifier"
	"github.com/dhcgn/winesync/config"
	"github.com/dhcgn/winesync/document"
	"github.com/dhcgn/winesync/filter"
	"github.com/dhcgn/winesync/imap"
	"github.com/dhcgn/winesync/mbox"
	"github.com/dhcgn/winesync/runner"
	"github.com/dhcgn/winesync/sheets"
	"github.com/dhcgn/winesync/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "winesync",
		Short:         "Export wine orders found in a mailbox to a Google Sheet",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting winesync", "folder", cfg.IMAP.Folder, "domains", len(cfg.MerchantDomains), "dryRun", cfg.DryRun, "schedule", cfg.Schedule)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	merchants, err := filter.New(filter.Options{
		MerchantDomains: cfg.MerchantDomains,
		ExcludeSubject:  cfg.ExcludeSubject,
	})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	mailbox, err := imap.New(imap.Options{
		Host:               cfg.IMAP.Host,
		Port:               cfg.IMAP.Port,
		Username:           cfg.IMAP.Username,
		Password:           cfg.IMAP.Password,
		UseTLS:             cfg.IMAP.UseTLS,
		InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
		Folder:             cfg.IMAP.Folder,
		UnseenOnly:         cfg.IMAP.UnseenOnly,
		SinceDays:          cfg.IMAP.SinceDays,
		MaxResults:         cfg.IMAP.MaxResults,
		Timeout:            cfg.IMAP.Timeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("imap.New: %w", err)
	}

	llm, err := classifier.New(classifier.Options{
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		MaxTokens:         cfg.LLM.MaxTokens,
		MaxCalls:          cfg.LLM.MaxCalls,
		Timeout:           cfg.LLM.Timeout,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
	}, logger)
	if err != nil {
		return fmt.Errorf("classifier.New: %w", err)
	}

	deps := runner.Deps{
		Mailbox:    mailbox,
		Classifier: llm,
		Filter:     merchants,
		Extractor:  document.New(cfg.AttachmentMaxBytes, logger),
		Reporter:   stats.NewReporter(cfg.Metrics.PushgatewayURL, logger),
	}

	if cfg.Sheets.SpreadsheetID != "" && cfg.Sheets.CredentialsFile != "" {
		exporter, err := sheets.New(ctx, sheets.Options{
			SpreadsheetID:   cfg.Sheets.SpreadsheetID,
			Worksheet:       cfg.Sheets.Worksheet,
			CredentialsFile: cfg.Sheets.CredentialsFile,
			NormalizeFormat: cfg.Sheets.NormalizeFormat,
			EnsureHeader:    cfg.Sheets.EnsureHeader,
			Timeout:         cfg.Sheets.Timeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("sheets.New: %w", err)
		}
		deps.Exporter = exporter
	}

	if cfg.ArchiveMbox != "" {
		archive, err := mbox.Open(cfg.ArchiveMbox, logger)
		if err != nil {
			return fmt.Errorf("mbox.Open: %w", err)
		}
		defer func() {
			if err := archive.Close(); err != nil {
				logger.Warn("archive close failed", "err", err)
			}
		}()
		deps.Archive = archive
	}

	r, err := runner.New(deps, runner.Options{DryRun: cfg.DryRun}, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}

	if cfg.Schedule != "" {
		return r.RunScheduled(ctx, cfg.Schedule)
	}

	_, err = r.RunOnce(ctx)
	return err
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		file := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, "winesync.log"),
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
