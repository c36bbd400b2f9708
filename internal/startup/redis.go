package startup

import (
	"context"
	"os"
	"time"

	"github.com/marketchat/internal/logger"
	redisstore "github.com/marketchat/internal/store/redis"
)

// ConnectRedisWithRetry подключается к Redis по URL с теми же повторами,
// что и ConnectDBWithRetry. Ping выполняет сам redisstore.New.
func ConnectRedisWithRetry(redisURL string, maxWait time.Duration, logPrefix string) *redisstore.Client {
	var client *redisstore.Client
	err := waitFor(maxWait, logPrefix+"redis", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c, err := redisstore.New(ctx, redisURL)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		logger.Errorf("%sredis: gave up after %v: %v", logPrefix, maxWait, err)
		os.Exit(1)
	}
	return client
}
