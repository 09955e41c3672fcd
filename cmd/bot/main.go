// Command bot runs the signal-to-order pipeline: it consumes trade signals
// over websocket and REST, sizes them through the risk gate, submits the
// approved ones to the broker, and serves a read-only status API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dmilligan/autospread/internal/api"
	"github.com/dmilligan/autospread/internal/broker"
	"github.com/dmilligan/autospread/internal/config"
	"github.com/dmilligan/autospread/internal/models"
	"github.com/dmilligan/autospread/internal/orders"
	"github.com/dmilligan/autospread/internal/positions"
	"github.com/dmilligan/autospread/internal/risk"
	"github.com/dmilligan/autospread/internal/signals"
	"github.com/dmilligan/autospread/internal/storage"
	"github.com/dmilligan/autospread/internal/stream"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	if err := run(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "bot: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	logger.WithFields(logrus.Fields{
		"mode":    cfg.Environment.Mode,
		"account": cfg.Broker.AccountID,
	}).Info("starting autospread")
	if !cfg.IsPaperTrading() {
		logger.Warn("live trading mode, real money at risk")
	}

	session, err := broker.NewSession(broker.SessionConfig{
		TokenURL:     cfg.Broker.TokenURL,
		ClientID:     cfg.Broker.ClientID,
		ClientSecret: cfg.Broker.ClientSecret,
		RefreshToken: cfg.Broker.RefreshToken,
		AccountID:    cfg.Broker.AccountID,
		UserAgent:    cfg.Broker.UserAgent,
	}, logger)
	if err != nil {
		return fmt.Errorf("building broker session: %w", err)
	}

	client := broker.NewClient(cfg.Broker.APIEndpoint, session, cfg.Broker.UserAgent, cfg.BrokerTimeout(), logger)
	brk := broker.NewCircuitBreakerBroker(client, logger)

	journal, err := storage.NewJournal(cfg.Storage.Path)
	if err != nil {
		return err
	}

	gate := risk.NewGate(cfg.Profiles(), logger)
	executor := orders.NewExecutor(brk, orders.NewRegistry(logger), logger)

	openStructures := func(ctx context.Context) ([]models.Spread, error) {
		items, err := brk.GetPositions(ctx)
		if err != nil {
			return nil, err
		}
		return positions.Reconstruct(items), nil
	}

	manager, err := signals.NewManager(signals.Options{
		Gate:      gate,
		Submitter: executor,
		Open:      openStructures,
		Journal:   journal,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return manager.RunExpirySweep(ctx)
	})

	g.Go(func() error {
		return runSnapshotRefresh(ctx, brk, gate, cfg.SnapshotInterval(), logger)
	})

	if cfg.Signals.WebsocketURL != "" {
		consumer := stream.NewConsumer(cfg.Signals.WebsocketURL, cfg.Signals.Channels, cfg.Signals.Buffer, logger)
		g.Go(func() error {
			return consumer.Run(ctx)
		})
		g.Go(func() error {
			for sig := range consumer.Signals() {
				s := sig
				if _, err := manager.Submit(ctx, &s); err != nil {
					logger.WithError(err).WithField("signal", s.ID).Warn("signal submit failed")
				}
			}
			return nil
		})
	}

	if cfg.Signals.PollURL != "" {
		poller := stream.NewPoller(cfg.Signals.PollURL, cfg.PollInterval(), manager, logger)
		g.Go(func() error {
			return poller.Run(ctx)
		})
	}

	if cfg.API.Listen != "" {
		server := api.NewServer(cfg.API.Listen, manager, openStructures, logger)
		g.Go(func() error {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	manager.Wait()
	logger.Info("shutdown complete")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runSnapshotRefresh keeps the risk gate's account snapshot current. The
// gate fails closed while the snapshot is stale, so a broken refresh loop
// halts new trades rather than approving blind.
func runSnapshotRefresh(ctx context.Context, brk broker.Broker, gate *risk.Gate, interval time.Duration, logger *logrus.Logger) error {
	refresh := func() {
		callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		balances, err := brk.GetBalances(callCtx)
		if err != nil {
			logger.WithError(err).Warn("balance refresh failed")
			return
		}
		items, err := brk.GetPositions(callCtx)
		if err != nil {
			logger.WithError(err).Warn("position refresh failed")
			return
		}
		gate.SetSnapshot(&models.AccountSnapshot{
			BuyingPower:         balances.BuyingPower,
			NetLiquidatingValue: balances.NetLiquidatingValue,
			CashAvailable:       balances.CashBalance,
			OpenPositionCount:   len(items),
			RefreshedAt:         time.Now(),
		})
	}

	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			refresh()
		}
	}
}

// newLogger builds the app-wide logger: stdout always, plus a rotated file
// when configured.
func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Environment.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if cfg.Environment.LogFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.Environment.LogFile,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, rotated))
	}
	return logger
}
