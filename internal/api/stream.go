package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// handleStream upgrades to a websocket and bridges an engine
// subscription onto it. Symbols come from the `symbols` query parameter
// (comma separated); the subscription lasts until either side closes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	symbols := splitSymbols(r.URL.Query().Get("symbols"))
	if len(symbols) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbols query parameter is required"})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	sub, err := s.engine.Subscribe(r.Context(), "ws-"+uuid.NewString(), symbols)
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"error": err.Error()})
		return
	}
	defer sub.Unsubscribe()

	// Reader goroutine: its only job is to notice the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func splitSymbols(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
