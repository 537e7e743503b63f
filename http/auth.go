package http

import (
	"net/http"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"golang.org/x/net/websocket"
)

// AppKeys is the set of app keys allowed to use the service. An empty set
// allows everyone.
type AppKeys map[string]struct{}

func NewAppKeys(keys []string) AppKeys {
	appKeys := make(AppKeys)
	for _, k := range keys {
		if k == "" {
			continue
		}
		appKeys[k] = struct{}{}
	}
	return appKeys
}

func (k AppKeys) Verify(r *http.Request) error {
	if len(k) == 0 {
		return nil
	}

	appKey := r.Header.Get(HeaderAppKey)
	if _, ok := k[appKey]; !ok {
		return errors.New("unknown app key").
			WithType("unauthorized").
			WithTag("client_id", r.Header.Get(HeaderClientID))
	}
	return nil
}

// VerifyAppKey is a WebSocket handshake filter rejecting unknown app keys.
func VerifyAppKey(appKeys AppKeys) func(*websocket.Config, *http.Request) error {
	return func(c *websocket.Config, r *http.Request) error {
		if err := appKeys.Verify(r); err != nil {
			logs.WithTag("client_id", r.Header.Get(HeaderClientID)).Error(err)
			return err
		}
		return nil
	}
}

// VerifyAppKeyHandler wraps an HTTP handler with app key verification.
func VerifyAppKeyHandler(appKeys AppKeys, next http.HandlerFunc) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := appKeys.Verify(r); err != nil {
			logs.WithTag("client_id", r.Header.Get(HeaderClientID)).Error(err)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	}
}
