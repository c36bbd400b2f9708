package middleware

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/marketchat/internal/logger"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack нужен для WebSocket upgrade на /ws.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

// RequestLog логирует каждый HTTP-запрос: method, path, статус и длительность
// (асинхронно, не блокирует обработку). Медленные запросы видны и при
// LOG_LEVEL=info через порог в LogDuration.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Debugf("http %s %s -> %d", r.Method, r.URL.Path, sw.status)
		logger.LogDuration("http "+r.Method+" "+r.URL.Path, start)
	})
}
