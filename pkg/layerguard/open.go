package layerguard

import (
	"context"
	"fmt"

	"github.com/synqualis/synq/pkg/config"
)

// OpenStore returns the lock store selected by cfg.LockBackend.
func OpenStore(ctx context.Context, cfg *config.Config) (LockStore, error) {
	var (
		store LockStore
		err   error
	)
	switch cfg.LockBackend {
	case config.LockBackendFile:
		return NewFileStore(cfg.LockDSN), nil
	case config.LockBackendSQLite:
		store, err = OpenSQLite(ctx, cfg.LockDSN)
	case config.LockBackendPostgres:
		store, err = OpenPostgres(ctx, cfg.LockDSN)
	case config.LockBackendRedis:
		store, err = OpenRedis(ctx, cfg.LockDSN)
	default:
		return nil, &config.ConfigurationError{Source: "SYNQ_LOCK_BACKEND", Message: fmt.Sprintf("unsupported backend %q", cfg.LockBackend)}
	}
	if err != nil {
		return nil, &config.ConfigurationError{Source: "SYNQ_LOCK_DSN", Message: fmt.Sprintf("open %s lock store", cfg.LockBackend), Err: err}
	}
	return store, nil
}
