// Package restapi is a thin, read-only HTTP/websocket relay over the core:
// it does not issue device commands (that surface is the dispatcher's Go
// API, bound by a separate adapter), it only lets an operator dashboard
// watch the registry and the event bus.
package restapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/qretprop/teststand/pkg/devsession"
	"github.com/qretprop/teststand/pkg/eventbus"
	"github.com/qretprop/teststand/pkg/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	subscriberSize = 256
)

// Handler serves the operator relay: GET /devices (a JSON registry
// snapshot) and GET /ws (a websocket fan-out of data/log events).
type Handler struct {
	Registry *registry.Registry
	Bus      *eventbus.Bus
	Logger   zerolog.Logger

	upgrader websocket.Upgrader
}

// NewHandler builds a Handler bound to reg and bus.
func NewHandler(reg *registry.Registry, bus *eventbus.Bus, logger zerolog.Logger) *Handler {
	return &Handler{
		Registry: reg,
		Bus:      bus,
		Logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP routes requests to this Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/devices":
		h.handleDevices(w, r)
	case "/ws":
		h.handleWS(w, r)
	default:
		http.NotFound(w, r)
	}
}

// deviceView is one entry in the /devices JSON snapshot.
type deviceView struct {
	Name            string `json:"name"`
	Kind            string `json:"kind"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	Addr            string `json:"addr"`
	ConnID          string `json:"conn_id"`
	Streaming       bool   `json:"streaming"`
	StreamHz        uint16 `json:"stream_hz,omitempty"`
	LastEstopAt     string `json:"last_estop_at,omitempty"`
}

func (h *Handler) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	snapshot := h.Registry.Snapshot()
	views := make([]deviceView, 0, len(snapshot))
	for _, s := range snapshot {
		ds, ok := s.(*devsession.Session)
		if !ok {
			continue
		}
		streaming, hz := ds.IsStreaming()
		v := deviceView{
			Name:            ds.Name(),
			Kind:            ds.Kind(),
			FirmwareVersion: ds.FirmwareVersion(),
			Addr:            ds.Addr().String(),
			ConnID:          ds.ConnID().String(),
			Streaming:       streaming,
			StreamHz:        hz,
		}
		if t := ds.LastEstopAt(); !t.IsZero() {
			v.LastEstopAt = t.UTC().Format(time.RFC3339)
		}
		views = append(views, v)
	}
	respJSON(w, http.StatusOK, views)
}

func respJSON(w http.ResponseWriter, status int, obj any) {
	buf, err := json.Marshal(obj)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(buf)))
	w.WriteHeader(status)
	w.Write(buf)
}

// wireEvent is the JSON shape sent over the websocket for both event kinds.
type wireEvent struct {
	Kind string             `json:"kind"` // "data" or "log"
	Data *eventbus.DataEvent `json:"data,omitempty"`
	Log  *eventbus.LogEvent  `json:"log,omitempty"`
}

func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn().Err(err).Str("component", "restapi").Msg("websocket upgrade failed")
		return
	}

	data := h.Bus.SubscribeData(subscriberSize)
	logs := h.Bus.SubscribeLog(subscriberSize)

	closeOnce := new(sync.Once)
	shutdown := make(chan struct{})

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	closeConn := func() {
		closeOnce.Do(func() {
			close(shutdown)
			h.Bus.UnsubscribeData(data)
			h.Bus.UnsubscribeLog(logs)
			conn.Close()
		})
	}

	// readPump: the relay accepts no commands from the client, but it must
	// still drain control frames (ping/close) to notice a dropped peer.
	go func() {
		defer closeConn()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.writePump(conn, data, logs, shutdown, closeConn)
}

func (h *Handler) writePump(conn *websocket.Conn, data chan eventbus.DataEvent, logs chan eventbus.LogEvent, shutdown chan struct{}, closeConn func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		closeConn()
	}()

	for {
		select {
		case <-shutdown:
			return

		case e, ok := <-data:
			if !ok {
				return
			}
			if err := h.writeJSON(conn, wireEvent{Kind: "data", Data: &e}); err != nil {
				return
			}

		case e, ok := <-logs:
			if !ok {
				return
			}
			if err := h.writeJSON(conn, wireEvent{Kind: "log", Log: &e}); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeJSON(conn *websocket.Conn, v wireEvent) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}
