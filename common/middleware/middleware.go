// Package middleware: обёртки http.Handler для служебного HTTP-сервера
// (/metrics, /healthz, /readyz).
package middleware

import (
	"net/http"
	"slices"
)

// Middleware оборачивает обработчик.
type Middleware func(http.Handler) http.Handler

// Compose собирает цепочку: первый в списке получает запрос первым.
func Compose(mws ...Middleware) Middleware {
	return func(next http.Handler) http.Handler {
		for _, mw := range slices.Backward(mws) {
			next = mw(next)
		}
		return next
	}
}
