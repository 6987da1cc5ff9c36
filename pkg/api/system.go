package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawlets/clawlets/pkg/storage"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handleReady reports 503 until the store answers a read transaction,
// so load balancers hold traffic during startup and after disk faults.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if err := s.store.View(func(tx *storage.Tx) error { return nil }); err != nil {
		checks["storage"] = "error: " + err.Error()
		ready = false
	} else {
		checks["storage"] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"ready":  ready,
		"checks": checks,
	})
}

// handleEventStream upgrades to a websocket and relays broker events as
// JSON frames. An optional ?projectId= narrows the feed to one tenant.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeNotFound(w)
		return
	}
	projectID := r.URL.Query().Get("projectId")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake failure.
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	// Reader goroutine: we never expect frames from the client, but
	// reading is what surfaces close and error states.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if projectID != "" && ev.ProjectID != projectID {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(toEventJSON(ev)); err != nil {
				return
			}
		}
	}
}
