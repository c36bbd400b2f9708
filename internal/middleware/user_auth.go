package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// UserAuth проверяет сессию во внешнем сервисе авторизации (X-Session-Id,
// X-Timestamp, X-Signature) и кладёт user_id/user_name в контекст. Сама
// авторизация живёт вне этого сервиса; здесь только её результат.
// При пустом authServiceURL (локальная разработка) доверяем заголовку
// X-User-Id без проверки.
func UserAuth(authServiceURL string, client *http.Client) func(http.Handler) http.Handler {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authServiceURL == "" {
				userID := r.Header.Get("X-User-Id")
				if userID == "" {
					http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
					return
				}
				ctx := context.WithValue(r.Context(), UserIDKey, userID)
				ctx = context.WithValue(ctx, UserNameKey, r.Header.Get("X-User-Name"))
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			sessionID := headerOrQuery(r, "X-Session-Id", "session_id")
			timestamp := headerOrQuery(r, "X-Timestamp", "timestamp")
			signature := headerOrQuery(r, "X-Signature", "signature")
			if sessionID == "" || timestamp == "" || signature == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			reqBody, err := json.Marshal(map[string]string{
				"session_id": sessionID,
				"timestamp":  timestamp,
				"signature":  signature,
				"method":     r.Method,
				"path":       r.URL.Path,
			})
			if err != nil {
				http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
				return
			}
			resp, err := client.Post(authServiceURL+"/api/auth/validate", "application/json", bytes.NewReader(reqBody))
			if err != nil {
				http.Error(w, `{"error":"auth service unavailable"}`, http.StatusServiceUnavailable)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			var out struct {
				UserID   string `json:"user_id"`
				UserName string `json:"user_name"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.UserID == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, out.UserID)
			ctx = context.WithValue(ctx, UserNameKey, out.UserName)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func headerOrQuery(r *http.Request, header, query string) string {
	if v := r.Header.Get(header); v != "" {
		return v
	}
	return r.URL.Query().Get(query)
}
