package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ScannerLimiter считает сканы одного источника в минутном окне. Железный
// сканер, зависший с зажатым триггером, льёт одну строку без пауз; лимитер
// прикрывает пайплайн приёма от такого потока.
type ScannerLimiter struct {
	c         *redis.Client
	perMinute int64
}

func NewScannerLimiter(addr string, perMinute int64) *ScannerLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	return &ScannerLimiter{
		c:         redis.NewClient(&redis.Options{Addr: addr}),
		perMinute: perMinute,
	}
}

func scannerRateKey(remoteIP string) string {
	return "dockbox:rl:scanner:" + remoteIP
}

// AllowScan делает INCR по ключу источника и ставит TTL окна при первом
// скане. Возвращает (allowed, текущий счётчик окна).
func (rl *ScannerLimiter) AllowScan(ctx context.Context, remoteIP string) (bool, int64, error) {
	key := scannerRateKey(remoteIP)
	pipe := rl.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, time.Minute)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, 0, errors.Wrap(err, "redis scanner ratelimit")
	}
	n := incr.Val()
	return n <= rl.perMinute, n, nil
}
