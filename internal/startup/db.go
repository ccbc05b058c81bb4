package startup

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convsync/internal/backoff"
	"github.com/convsync/internal/logger"
)

// ConnectDBWithRetry подключается к Postgres с повторами; при недоступности БД не роняет процесс сразу.
// logPrefix добавляется к сообщениям лога (например "chat: ").
func ConnectDBWithRetry(poolCfg *pgxpool.Config, maxWait time.Duration, logPrefix string) *pgxpool.Pool {
	pool, err := retry(maxWait, logPrefix+"db", func() (*pgxpool.Pool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, err
		}
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer pingCancel()
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	})
	if err != nil {
		logger.Flush(time.Second)
		os.Exit(1)
	}
	return pool
}

// retry повторяет connect с удваивающейся паузой (не больше 30s), пока не истечёт maxWait.
func retry[T any](maxWait time.Duration, what string, connect func() (T, error)) (T, error) {
	deadline := time.Now().Add(maxWait)
	b := backoff.New(backoff.DefaultInitial, backoff.DefaultMax)
	for {
		v, err := connect()
		if err == nil {
			return v, nil
		}
		if time.Now().After(deadline) {
			logger.Errorf("%s connect (gave up after %v): %v", what, maxWait, err)
			return v, err
		}
		d := b.Next()
		logger.Errorf("%s connect failed, retry in %v: %v", what, d, err)
		time.Sleep(d)
	}
}
