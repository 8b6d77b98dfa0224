package peer

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	maxMessageSize = 8 << 20
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
)

// Server accepts peer connections and feeds their messages to an Inbox.
type Server struct {
	inbox    *Inbox
	upgrader websocket.Upgrader
}

// NewServer returns a websocket handler backed by inbox.
func NewServer(inbox *Inbox) *Server {
	return &Server{
		inbox: inbox,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	log.Info().Str("remote", r.RemoteAddr).Msg("peer connected")

	ctx := r.Context()
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("peer read failed")
			}
			log.Info().Str("remote", r.RemoteAddr).Msg("peer disconnected")
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		reply := s.inbox.Handle(ctx, msg)
		if reply == nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(reply); err != nil {
			log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("peer write failed")
			return
		}
	}
}
