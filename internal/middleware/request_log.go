package middleware

import (
	"net/http"
	"time"

	"github.com/convsync/internal/logger"
)

// RequestLog пишет строку на каждый запрос: метод, путь, статус, пользователь и длительность.
// Ответы 5xx идут уровнем warn, остальные debug.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw, ok := w.(*statusWriter)
		if !ok {
			sw = &statusWriter{ResponseWriter: w, status: http.StatusOK}
		}
		next.ServeHTTP(sw, r)

		user := GetUserID(r.Context())
		if user == "" {
			user = "-"
		}
		if sw.status >= http.StatusInternalServerError {
			logger.Warnf("http %s %s status=%d user=%s took=%s", r.Method, r.URL.Path, sw.status, user, time.Since(start))
			return
		}
		logger.Debugf("http %s %s status=%d user=%s took=%s", r.Method, r.URL.Path, sw.status, user, time.Since(start))
	})
}
