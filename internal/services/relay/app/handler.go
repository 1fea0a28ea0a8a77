package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/ruru/counselor-relay/internal/services/relay/bus"
	"golang.org/x/net/websocket"
)

// Client endpoints. Both speak the same protocol; the role comes from the
// CONNECT headers or the destinations used.
const (
	CustomerEndpoint  = "/customer"
	CounselorEndpoint = "/counselor"
)

// STOMP WebSocket subprotocols in preference order.
var stompSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// negotiateSubprotocol picks the newest STOMP subprotocol the client
// offered. A client offering none gets no subprotocol.
func negotiateSubprotocol(offered []string) (string, error) {
	if len(offered) == 0 {
		return "", nil
	}
	for _, want := range stompSubprotocols {
		for _, candidate := range offered {
			if strings.EqualFold(strings.TrimSpace(candidate), want) {
				return want, nil
			}
		}
	}
	return "", fmt.Errorf("unsupported websocket subprotocols %q", offered)
}

// acceptHandshake accepts any origin, including none (non-browser clients),
// and settles on a single subprotocol.
func acceptHandshake(cfg *websocket.Config, _ *http.Request) error {
	chosen, err := negotiateSubprotocol(cfg.Protocol)
	if err != nil {
		return err
	}
	if chosen == "" {
		cfg.Protocol = nil
		return nil
	}
	cfg.Protocol = []string{chosen}
	return nil
}

// NewHandler builds relay routes over an in-memory bus with the default
// identity. Tests and offline runs use it; no status listener is started.
func NewHandler() http.Handler {
	rt, err := newRelayRuntime(context.Background(), runtimeConfig{Bus: bus.NewMemoryBus()})
	if err != nil {
		log.Printf("relay: build handler runtime: %v", err)
		return http.NotFoundHandler()
	}
	return newHandler(rt)
}

func newHandler(rt *relayRuntime) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Server{
		Handshake: acceptHandshake,
		Handler: func(conn *websocket.Conn) {
			handleWSConn(conn, rt)
		},
	}
	endpoint := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	}
	mux.HandleFunc(CustomerEndpoint, endpoint)
	mux.HandleFunc(CounselorEndpoint, endpoint)
	return mux
}
