package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"streamgate/internal/infrastructure/repositories"
	"streamgate/pkg/distributed"

	"go.uber.org/zap"
)

const ledgerLockTTL = 30 * time.Second

var errLedgerBusy = errors.New("process ledger is owned by another streamgate process on this host")

// acquireLedgerLock takes the per-host ledger lock when the ledger lives in
// Redis. File and memory ledgers are private to one process and need none.
func acquireLedgerLock(ctx context.Context, factory *repositories.RepositoryFactory, log *zap.SugaredLogger) (release func(), err error) {
	client := factory.RedisClient()
	if client == nil {
		return func() {}, nil
	}

	host, _ := os.Hostname()
	lock := distributed.NewLockManager(client, "streamgate:lock:").NewLock("ledger:"+host, ledgerLockTTL)
	ok, err := lock.TryLock(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger lock: %w", err)
	}
	if !ok {
		return nil, errLedgerBusy
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-lock.Lost():
			log.Errorw("lost the process ledger lock", "key", lock.Key())
		case <-stop:
		}
	}()

	return func() {
		close(stop)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lock.Unlock(ctx); err != nil {
			log.Warnw("failed to release the process ledger lock", "key", lock.Key(), "error", err)
		}
	}, nil
}
