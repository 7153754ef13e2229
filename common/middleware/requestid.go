package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/YaganovValera/ticker-pipeline/common/logger"
)

// RequestIDHeader: заголовок, в котором приходит/уходит id запроса.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 64

// RequestID кладёт id запроса в контекст (его подхватывает logger.WithContext)
// и возвращает его в ответе. Чужой id берём только если он короткий и печатный.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if !validRequestID(id) {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(logger.ContextWithRequestID(r.Context(), id)))
		})
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
