package middleware

import (
	"net/http"

	"escrow-engine/pkg/apierror"

	"go.uber.org/zap"
)

// Recovery turns a panicking handler into a 500.
func Recovery(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Error("panic in handler",
						zap.Any("panic", err),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"))

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					w.Write(apierror.InternalError("internal server error").ToJSON())
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
