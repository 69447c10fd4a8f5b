package middleware

import (
	"net/http"
	"time"

	chi_middleware "github.com/go-chi/chi/middleware"
	log "github.com/sirupsen/logrus"
)

// RequestLogFields extracts the standard log fields for a request.
func RequestLogFields(r *http.Request) log.Fields {
	return log.Fields{
		"method":      r.Method,
		"path":        r.URL.Path,
		"remote_addr": r.RemoteAddr,
		"request_id":  chi_middleware.GetReqID(r.Context()),
	}
}

// RequestLogger logs every request with status and duration.
func RequestLogger() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chi_middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.WithFields(RequestLogFields(r)).WithFields(log.Fields{
				"status":   ww.Status(),
				"duration": time.Since(start).String(),
			}).Debug("request")
		}
		return http.HandlerFunc(fn)
	}
}
