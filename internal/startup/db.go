package startup

// Подключение к внешним хранилищам при старте сервиса. В compose/k8s база
// нередко поднимается позже самого сервиса, поэтому не падаем на первом
// отказе, а ждём с растущей паузой до maxWait.

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/marketchat/internal/logger"
)

// ConnectDBWithRetry открывает пул Postgres и проверяет его ping-ом.
// Если за maxWait подключиться не удалось, процесс завершается:
// без хранилища сервису делать нечего. logPrefix добавляется к логам
// (например "sync: ").
func ConnectDBWithRetry(poolCfg *pgxpool.Config, maxWait time.Duration, logPrefix string) *pgxpool.Pool {
	var pool *pgxpool.Pool
	err := waitFor(maxWait, logPrefix+"postgres", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		p, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return err
		}
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer pingCancel()
		if err := p.Ping(pingCtx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		logger.Errorf("%spostgres: gave up after %v: %v", logPrefix, maxWait, err)
		os.Exit(1)
	}
	return pool
}

// waitFor повторяет connect с паузой 2с, удваивая её до 30с, пока не
// истечёт maxWait. Возвращает последнюю ошибку подключения.
func waitFor(maxWait time.Duration, what string, connect func() error) error {
	deadline := time.Now().Add(maxWait)
	pause := 2 * time.Second
	for {
		err := connect()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		logger.Errorf("%s unavailable, retry in %v: %v", what, pause, err)
		time.Sleep(pause)
		if pause < 30*time.Second {
			pause *= 2
		}
	}
}
