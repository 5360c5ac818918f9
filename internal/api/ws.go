package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// closeUnauthorized is the application close code sent when a socket fails
// the shared-secret check.
const closeUnauthorized = 4401

func newUpgrader(origins []string) websocket.Upgrader {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
			continue
		}
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			// Non-browser clients send no Origin header.
			return origin == "" || allowed[origin]
		},
	}
}

// handleWS upgrades the socket, verifies the shared secret, and attaches
// the client to the hub. Auth failures are reported over the socket with
// close code 4401 so browser clients can tell "rejected" from "unreachable".
// The read loop echoes text frames back through the subscriber queue; the
// sender goroutine is the only writer on the socket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	if s.cfg.AuthEnabled() {
		provided := r.Header.Get(s.cfg.AuthHeader)
		if provided == "" {
			provided = r.URL.Query().Get("secret")
		}
		if !s.cfg.VerifySharedSecret(strings.TrimSpace(provided)) {
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeUnauthorized, "unauthorized"), deadline)
			_ = conn.Close()
			s.log.Warn().Str("remote", r.RemoteAddr).Msg("websocket rejected, bad shared secret")
			return
		}
	}

	sub := s.hub.Connect(conn)
	if s.cfg.WSGreeting != "" {
		sub.Send([]byte(s.cfg.WSGreeting))
	}

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if mt == websocket.TextMessage {
			sub.Send([]byte("Echo: " + string(msg)))
		}
	}
	s.hub.Disconnect(sub)
}
