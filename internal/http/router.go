package http

import (
	"encoding/json"
	"net/http"

	"github.com/EdinburghNLP/material-edinmt/internal/config"
	"github.com/EdinburghNLP/material-edinmt/internal/ws"
)

func NewRouter(cfg config.Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	// Translation WebSocket
	wss := ws.NewServer(cfg)
	mux.HandleFunc("/ws/translate", wss.Handle)
	return mux
}
