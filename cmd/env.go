package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/cost"
	"github.com/sells-group/visibility-engine/internal/engine"
	"github.com/sells-group/visibility-engine/internal/provider"
	"github.com/sells-group/visibility-engine/internal/secrets"
	"github.com/sells-group/visibility-engine/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "visibility.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initSealer returns nil when no encryption key is configured.
func initSealer() (*secrets.Sealer, error) {
	if cfg.Security.EncryptionKey == "" {
		return nil, nil
	}
	return secrets.NewSealer(cfg.Security.EncryptionKey)
}

// engineEnv holds everything a run-processing command needs.
type engineEnv struct {
	Store   store.Store
	Router  *provider.Router
	Limiter *engine.Limiter
	Engine  *engine.Engine
}

// Close waits for background runs and closes the store.
func (e *engineEnv) Close() {
	e.Engine.Wait()
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	sealer, err := initSealer()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	router := provider.NewFromConfig(cfg)
	limiter := engine.NewLimiter(cfg.Engine.MaxConcurrentRequests)
	eng := engine.New(st, router, limiter, cost.FromConfig(cfg.Pricing), sealer)

	loaded, err := eng.LoadStoredKeys(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	zap.L().Info("engine ready",
		zap.String("store", cfg.Store.Driver),
		zap.Strings("providers", router.Configured()),
		zap.Int("stored_keys", loaded),
		zap.Int64("max_concurrent_requests", limiter.Size()),
	)

	return &engineEnv{Store: st, Router: router, Limiter: limiter, Engine: eng}, nil
}
