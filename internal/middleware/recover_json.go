package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/metrics"
)

// RecoverJSON при панике в handler логирует её, считает в convsync_http_panics_total
// и отдаёт клиенту JSON 500 (если ответ ещё не отправлен). Использует statusWriter из Metrics,
// чтобы метрики и лог запроса увидели 500.
func RecoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw, ok := w.(*statusWriter)
		if !ok {
			sw = &statusWriter{ResponseWriter: w, status: http.StatusOK}
		}
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			path := normalizePath(r.URL.Path)
			metrics.HTTPPanicsTotal.WithLabelValues(r.Method, path).Inc()
			logger.Errorf("panic recovered: %s %s user=%s: %v", r.Method, r.URL.Path, GetUserID(r.Context()), err)
			if sw.wrote {
				return
			}
			sw.Header().Set("Content-Type", "application/json; charset=utf-8")
			sw.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(sw).Encode(map[string]string{"error": "internal server error"})
		}()
		next.ServeHTTP(sw, r)
	})
}
