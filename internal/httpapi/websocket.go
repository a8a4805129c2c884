package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	logx "peerdrivectl/pkg/logx"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Any page the operator opens can reach loopback, so only the API's
	// own origin may read the journal.
	CheckOrigin: sameOrigin,
}

const wsWriteTimeout = 10 * time.Second

// logsWebsocket replays the current buffer and then streams new lines as
// text messages until either side goes away.
func (s *Server) logsWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := s.acquireTail(ctx); err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("error: "+err.Error()))
		return
	}
	defer s.releaseTail()

	ls := s.ctl.Logs()
	backlog, lines, unfollow := ls.Tail(256)
	defer unfollow()
	s.log.Debug("websocket tail connected", logx.String("session", ls.Session()))

	// Client messages are ignored; a read error means it disconnected.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for _, line := range backlog {
		if err := writeText(conn, line); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "log stream stopped"),
					time.Now().Add(time.Second))
				return
			}
			if err := writeText(conn, line); err != nil {
				s.log.Debug("websocket write failed", logx.Err(err))
				return
			}
		}
	}
}

func writeText(conn *websocket.Conn, line string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (s *Server) acquireTail(ctx context.Context) error {
	s.tailMu.Lock()
	defer s.tailMu.Unlock()
	ls := s.ctl.Logs()
	// The stream may have been stopped through the API while clients were
	// attached; restart it whatever the refcount says.
	if !ls.Streaming() {
		if err := ls.Start(ctx); err != nil {
			return err
		}
		s.tailOwned = true
	}
	s.tailClients++
	return nil
}

func (s *Server) releaseTail() {
	s.tailMu.Lock()
	defer s.tailMu.Unlock()
	s.tailClients--
	if s.tailClients == 0 && s.tailOwned {
		s.tailOwned = false
		s.ctl.Logs().Stop(context.Background())
	}
}
