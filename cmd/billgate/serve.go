package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alecgard/billgate/internal/api"
	"github.com/alecgard/billgate/internal/auth"
	"github.com/alecgard/billgate/internal/bill"
	"github.com/alecgard/billgate/internal/chat"
	"github.com/alecgard/billgate/internal/config"
	"github.com/alecgard/billgate/internal/metering"
	"github.com/alecgard/billgate/internal/metrics"
	"github.com/alecgard/billgate/internal/quota"
	"github.com/alecgard/billgate/internal/ratelimit"
	"github.com/alecgard/billgate/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the billgate API server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadConfig reads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newBillService builds the billing operations over the backend, counting
// quota decisions on m.
func newBillService(cfg *config.Config, backend *storage.Backend, m *metrics.Metrics) (*bill.Service, error) {
	loc, err := cfg.QuotaLocation()
	if err != nil {
		return nil, err
	}
	limiter := quota.New(backend.Counter, cfg.Quota.DailyLimit, loc)
	limiter.Observe(func(d quota.Decision) { m.IncQuota(d.Allowed) })
	return bill.NewService(backend.Bills, limiter), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	backend, err := storage.Open(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer backend.Close()
	slog.Info("storage ready", "driver", backend.Driver)

	svc, err := newBillService(cfg, backend, m)
	if err != nil {
		return err
	}

	collector := metering.NewCollector(backend.Journal, cfg.Journal.BatchSize, cfg.Journal.FlushInterval, m)
	go collector.Start(ctx)

	var runner api.ChatRunner
	if cfg.Chat.APIKey != "" {
		tools, err := chat.NewToolset(svc)
		if err != nil {
			return fmt.Errorf("building chat tools: %w", err)
		}
		model, err := chat.NewGemini(ctx, chat.GeminiConfig{
			APIKey:            cfg.Chat.APIKey,
			Model:             cfg.Chat.Model,
			SystemInstruction: cfg.Chat.SystemInstruction,
		}, tools.Declarations())
		if err != nil {
			return err
		}
		runner = chat.NewBridge(model, tools,
			chat.WithMaxRounds(cfg.Chat.MaxToolRounds),
			chat.WithRecorder(collector),
			chat.WithMetrics(m),
		)
		slog.Info("chat assistant enabled", "model", cfg.Chat.Model)
	} else {
		slog.Warn("chat assistant disabled: no gemini api key configured")
	}

	var chatLimiter *ratelimit.Limiter
	if cfg.Chat.RateLimit > 0 {
		chatLimiter = ratelimit.New(cfg.Chat.RateLimit, cfg.Chat.RateWindow)
		go chatLimiter.RunJanitor(ctx, cfg.Chat.RateWindow)
	}

	router := api.NewRouter(api.RouterDeps{
		Bills:           svc,
		Chat:            runner,
		Keys:            auth.NewKeyChecker(cfg.Auth.APIKey),
		ChatLimiter:     chatLimiter,
		Metrics:         m,
		Store:           backend,
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		ChatRequiresKey: cfg.Auth.ChatRequiresKey,
		RequestTimeout:  cfg.Server.RequestTimeout,
		ChatTimeout:     cfg.Chat.Timeout,
		MaxUploadSize:   cfg.Upload.MaxSize,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			collector.Stop()
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)
	collector.Stop()
	return err
}
