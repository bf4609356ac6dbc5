package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/beradigm/bao-contracts/config"
	"github.com/beradigm/bao-contracts/core/events"
	"github.com/beradigm/bao-contracts/native/vault"
	"github.com/beradigm/bao-contracts/observability/logging"
	"github.com/beradigm/bao-contracts/observability/metrics"
	"github.com/beradigm/bao-contracts/storage"
	"github.com/beradigm/bao-contracts/storage/vaultstore"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BAOVAULT_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup(cfg.Service, env, cfg.LogFile)

	engine, source, err := buildEngine(cfg)
	if err != nil {
		logger.Error("Failed to build engine", slog.Any("error", err))
		os.Exit(1)
	}

	var store *vaultstore.Store
	if path := strings.TrimSpace(cfg.SnapshotPath); path != "" {
		db, err := storage.NewLevelDB(path)
		if err != nil {
			logger.Error("Failed to open snapshot database", slog.Any("error", err))
			os.Exit(1)
		}
		defer db.Close()
		store = vaultstore.New(db)
		if err := restoreLedger(engine, store, logger); err != nil {
			logger.Error("Failed to restore ledger snapshot", slog.Any("error", err))
			os.Exit(1)
		}
	}

	vaultMetrics := metrics.Vault()
	for _, symbol := range engine.ActiveTokens() {
		vaultMetrics.InitAsset(symbol)
	}
	vaultMetrics.InitAsset(vault.NativeAsset)
	vaultMetrics.SetActiveTokens(len(engine.ActiveTokens()))
	vaultMetrics.SetGoalReached(engine.GoalReached())
	vaultMetrics.SetFinalized(engine.Finalized())

	engine.SetEmitter(events.Fanout{
		metrics.NewObserver(vaultMetrics),
		&logEmitter{logger: logger},
	})

	srv := newServer(engine, source, store, logger)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", slog.String("address", cfg.ListenAddress))
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("Shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown incomplete", slog.Any("error", err))
	}

	if store != nil {
		if err := srv.persistLedger(); err != nil {
			logger.Error("Failed to persist ledger snapshot", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("Ledger snapshot persisted")
	}
}

// buildEngine wires the configured round, token registry, whitelist and
// manual oracle into a fresh engine.
func buildEngine(cfg *config.Config) (*vault.Engine, *vault.ManualPriceSource, error) {
	owner, err := cfg.OwnerAddress()
	if err != nil {
		return nil, nil, err
	}
	params, err := cfg.VaultParams()
	if err != nil {
		return nil, nil, err
	}
	engine, err := vault.NewEngine(owner, params)
	if err != nil {
		return nil, nil, err
	}

	source := vault.NewManualPriceSource()
	engine.SetOracle(vault.NewOracleAdapter(source))
	engine.SetBank(&journalBank{})

	for _, admin := range cfg.Round.Admins {
		addr, err := config.ParseAddress(admin)
		if err != nil {
			return nil, nil, err
		}
		if err := engine.GrantAdmin(owner, addr); err != nil {
			return nil, nil, err
		}
	}
	for _, token := range cfg.Tokens {
		if err := engine.AddToken(owner, token.Symbol, token.PriceFeedID, token.Decimals); err != nil {
			return nil, nil, fmt.Errorf("register token %s: %w", token.Symbol, err)
		}
	}
	for _, member := range cfg.Whitelist {
		addr, err := config.ParseAddress(member)
		if err != nil {
			return nil, nil, err
		}
		if err := engine.SetWhitelisted(owner, addr, true); err != nil {
			return nil, nil, err
		}
	}
	return engine, source, nil
}

func restoreLedger(engine *vault.Engine, store *vaultstore.Store, logger *slog.Logger) error {
	state, err := store.LoadLedger()
	if err != nil {
		if errors.Is(err, vaultstore.ErrNotFound) {
			logger.Info("No ledger snapshot found, starting empty")
			return nil
		}
		return err
	}
	if err := engine.RestoreLedger(state); err != nil {
		return err
	}
	logger.Info("Ledger snapshot restored",
		slog.Int("contributors", len(state.Contributors)),
		slog.String("aggregateUsd", state.Aggregate.String()))
	return nil
}

// logEmitter mirrors every engine event into the structured log.
type logEmitter struct {
	logger *slog.Logger
}

func (l *logEmitter) Emit(evt events.Event) {
	if l == nil || l.logger == nil || evt == nil {
		return
	}
	rec := evt.Event()
	if rec == nil {
		return
	}
	attrs := make([]any, 0, len(rec.Attributes)*2)
	for key, value := range rec.Attributes {
		attrs = append(attrs, slog.String(key, value))
	}
	l.logger.Info(rec.Type, attrs...)
}
