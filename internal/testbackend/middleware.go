package testbackend

import (
	"net/http"
	"time"
)

// ChainMiddleware wraps routeFunction so the first middleware runs outermost.
func ChainMiddleware(routeFunction http.HandlerFunc, mw ...func(http.HandlerFunc) http.HandlerFunc) http.HandlerFunc {
	chainedHandler := routeFunction
	for i := len(mw) - 1; i >= 0; i-- {
		chainedHandler = mw[i](chainedHandler)
	}
	return chainedHandler
}

// track wraps an API route with the backend's standard middleware.
func (b *Backend) track(route string, next http.HandlerFunc) http.HandlerFunc {
	return ChainMiddleware(next,
		b.recoverMiddleware,
		b.loggingMiddleware,
		b.countMiddleware(route),
		b.faultMiddleware,
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (b *Backend) loggingMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		b.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(started)).
			Str("request_id", r.Header.Get("X-Request-ID")).
			Msg("request")
	}
}

func (b *Backend) recoverMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				b.log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("Recovered from panic")
				writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			}
		}()
		next(w, r)
	}
}

// countMiddleware records the call and its request ID before any fault is applied.
func (b *Backend) countMiddleware(route string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			b.lock.Lock()
			b.calls[route]++
			b.lastRequestID = r.Header.Get("X-Request-ID")
			b.lock.Unlock()
			next(w, r)
		}
	}
}

// faultMiddleware applies the offline and malformed modes.
func (b *Backend) faultMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.lock.Lock()
		offline, malformed := b.offline, b.malformed
		b.lock.Unlock()

		switch {
		case offline:
			writeError(w, http.StatusServiceUnavailable, "unavailable", "backend offline")
		case malformed:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"access_token": `))
		default:
			next(w, r)
		}
	}
}
