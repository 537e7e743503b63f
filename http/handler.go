package http

import (
	"net/http"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
)

// Headers identifying clients on HTTP and WebSocket requests.
const (
	HeaderClientID = "X-Densemesh-Client-Id"
	HeaderAppKey   = "X-Densemesh-App-Key"
)

var ErrBadRequest = errors.New("bad request").WithType("bad-request")

func BadRequest(w http.ResponseWriter, err error) {
	logs.Debug(err)
	http.Error(w, "bad request", http.StatusBadRequest)
}

func InternalServerError(w http.ResponseWriter, err error) {
	logs.Warn(err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func HandleReadyCheck(readinessCheck func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !readinessCheck() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func HandleVersion(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(version))
	}
}

// HandleWithCORS allows browser-based tooling to reach the service handlers
// from any origin.
func HandleWithCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderClientID+", "+HeaderAppKey)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		h.ServeHTTP(w, r)
	})
}
