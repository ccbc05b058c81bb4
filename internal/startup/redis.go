package startup

import (
	"context"
	"os"
	"time"

	"github.com/convsync/internal/logger"
	redisstorage "github.com/convsync/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis с повторами.
// logPrefix добавляется к сообщениям лога (например "chat: ").
func ConnectRedisWithRetry(redisURL string, maxWait time.Duration, logPrefix string) *redisstorage.Client {
	client, err := retry(maxWait, logPrefix+"redis", func() (*redisstorage.Client, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return redisstorage.New(ctx, redisURL)
	})
	if err != nil {
		logger.Flush(time.Second)
		os.Exit(1)
	}
	return client
}
