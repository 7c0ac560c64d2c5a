package main

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/PuppetLens/dashboard/middleware"
	"github.com/itskum47/PuppetLens/dashboard/rollup"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

func (a *API) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return middleware.OriginAllowed(a.allowedOrigins, r.Header.Get("Origin"))
		},
	}
}

// handleClassesStream upgrades to WebSocket, sends the current rollup of env
// and then every refreshed one.
func (a *API) handleClassesStream(w http.ResponseWriter, r *http.Request) {
	env := rollup.NormalizeEnvironment(r.URL.Query().Get("env"))

	// The handshake refreshes like GET /api/classes and shares its buckets
	if ok, wait := a.refreshLimiter.Reserve(env); !ok {
		a.writeRateLimitError(w, "classes_stream", wait)
		return
	}

	// Compute before upgrading so a dead backend with no history is a 503
	resp, stale, err := a.rollups.Classes(r.Context(), env)
	if err != nil {
		writeBackendError(w, err)
		return
	}

	up := a.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[STREAM] Upgrade failed: %v", err)
		return
	}

	initial := &StreamMessage{Environment: env, Stale: stale, Response: resp, Timestamp: time.Now().Unix()}
	a.hub.Register(conn, env, initial)
	defer a.hub.Unregister(conn)

	// Configure ping/pong for dead client detection
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				// WriteControl may run alongside the hub's writes
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	// Read pump to detect disconnections
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[STREAM] WebSocket error: %v", err)
			}
			break
		}
	}
}
