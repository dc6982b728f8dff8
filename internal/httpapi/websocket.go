package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secured via proxy in prod
}

// handleWS streams progress events for one query. Reconnecting clients pass
// last_event_id to replay what they missed: first from the in-memory ring,
// then from the Redis mirror when the ring has already wrapped.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	handle := r.URL.Query().Get("query_handle")
	if handle == "" {
		http.Error(w, "query_handle required", http.StatusBadRequest)
		return
	}
	var lastSeq uint64
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastSeq = n
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := s.events.Subscribe(handle, 256)
	defer s.events.Unsubscribe(handle, ch)

	backlog := s.events.ReplaySince(handle, lastSeq)
	if len(backlog) == 0 && lastSeq == 0 && s.mirror != nil {
		// worker restarted; ring is empty but the mirror survives
		if hist, herr := s.mirror.History(r.Context(), handle, 1024); herr == nil {
			backlog = hist
		} else {
			s.logger.Debug("event history unavailable", zap.String("query_handle", handle), zap.Error(herr))
		}
	}
	// Events published between Subscribe and ReplaySince land in both the
	// backlog and the channel; replayedThrough dedupes them.
	replayedThrough := lastSeq
	for _, ev := range backlog {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
		if ev.Seq > replayedThrough {
			replayedThrough = ev.Seq
		}
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				// query finished and its stream was dropped
				return
			}
			if ev.Seq != 0 && ev.Seq <= replayedThrough {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
