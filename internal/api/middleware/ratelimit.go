// ratelimit.go — ограничение частоты lookup-запросов по клиентскому IP.
// Код шары — единственный секрет, защищающий файлы, поэтому перебор
// кодов должен быть дорогим: token bucket на каждый IP.
//
// Лимитеры живут в expirable LRU: неактивные IP вытесняются по TTL,
// память ограничена ёмкостью кэша даже при сканировании с множества
// адресов.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	apierrors "github.com/arturkryukov/dropcode/internal/api/errors"
)

// Параметры кэша лимитеров.
const (
	// limiterCacheSize — максимум одновременно отслеживаемых IP
	limiterCacheSize = 10000
	// limiterTTL — время жизни лимитера неактивного IP
	limiterTTL = 10 * time.Minute
)

// RateLimiter — per-IP ограничитель частоты запросов.
type RateLimiter struct {
	limiters *expirable.LRU[string, *rate.Limiter]
	rps      rate.Limit
	burst    int
	logger   *slog.Logger
}

// NewRateLimiter создаёт ограничитель: rps запросов в секунду
// с burst на каждый клиентский IP.
func NewRateLimiter(rps float64, burst int, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](limiterCacheSize, nil, limiterTTL),
		rps:      rate.Limit(rps),
		burst:    burst,
		logger:   logger.With(slog.String("component", "rate_limiter")),
	}
}

// Middleware возвращает HTTP middleware, отвечающий 429 при превышении лимита.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			limiter, ok := rl.limiters.Get(ip)
			if !ok {
				limiter = rate.NewLimiter(rl.rps, rl.burst)
				rl.limiters.Add(ip, limiter)
			}

			if !limiter.Allow() {
				rl.logger.Warn("Превышен лимит запросов",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				apierrors.RateLimited(w, "Превышен лимит запросов, повторите позже")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP извлекает IP клиента: X-Forwarded-For (первый адрес)
// при работе за reverse proxy, иначе RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
