// Package server exposes HTTP handlers: the health check, the room statistics
// endpoint and the WebSocket bridge onto the line protocol.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
)

// roomsResponse is the /rooms payload.
type roomsResponse struct {
	Rooms    []RoomStats `json:"rooms"`
	Sessions int         `json:"sessions"`
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "relaychat server is running!")
}

// RoomsHandler reports every live room with its member count.
func (s *Server) RoomsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed.", http.StatusMethodNotAllowed)
		return
	}

	resp := roomsResponse{
		Rooms:    s.registry.Stats(),
		Sessions: s.SessionCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[server] Error writing rooms response: %v", err)
	}
}

// WebSocketHandler handles WebSocket upgrade requests. It validates that the
// request uses the GET method, upgrades the connection and runs a chat session
// over it exactly as if it had arrived on the TCP listener.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] WebSocket upgrade failed: %v", err)
		return
	}

	s.serve(newWSTransport(conn, r.RemoteAddr, s.cfg.MaxLineLength, s.cfg.WriteTimeout))
}
