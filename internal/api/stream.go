package api

import (
	"net/http"
	"time"

	"github.com/banshee-data/biostate.report/internal/engine"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	streamBuffer = 16
)

// stream upgrades to a websocket and pushes every published snapshot as a
// JSON text message, starting with the latest one. A client that falls
// behind by more than streamBuffer snapshots skips ahead; sequence numbers
// show the gap.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the error response
		s.logf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	slot := s.engine.Slot()
	updates, unsubscribe := slot.Subscribe(streamBuffer)
	defer unsubscribe()

	// the read side only exists to notice the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var sent uint64
	send := func(snap engine.Snapshot) error {
		if snap.Seq != 0 && snap.Seq <= sent {
			return nil
		}
		sent = snap.Seq
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(snap)
	}
	if err := send(slot.Latest()); err != nil {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := send(snap); err != nil {
				s.logf("websocket write failed: %v", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
