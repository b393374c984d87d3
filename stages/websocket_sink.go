package stages

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/creastat/arraymerge/core"
	"github.com/creastat/arraymerge/protocol"
	"github.com/creastat/infra/telemetry"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var websocketClients = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "arraymerge_websocket_clients",
	Help: "The number of connected WebSocket clients",
})

// WebSocketBroadcasterConfig holds WebSocket broadcaster configuration
type WebSocketBroadcasterConfig struct {
	// WriteTimeout bounds a single write to one client
	WriteTimeout time.Duration
	Logger       telemetry.Logger
}

// WebSocketBroadcaster mirrors pipeline events to every connected WebSocket
// client. It is both an http.Handler accepting clients and a pipeline stage.
type WebSocketBroadcaster struct {
	config   WebSocketBroadcasterConfig
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewWebSocketBroadcaster creates a new WebSocket broadcaster stage
func NewWebSocketBroadcaster(config WebSocketBroadcasterConfig) *WebSocketBroadcaster {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	return &WebSocketBroadcaster{
		config:  config,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Name returns the stage name
func (ws *WebSocketBroadcaster) Name() string {
	return "websocket_broadcaster"
}

// ServeHTTP upgrades the request and registers the connection until the
// client goes away
func (ws *WebSocketBroadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := ws.config.Logger.WithModule(ws.Name())

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed", telemetry.Err(err))
		return
	}

	ws.mu.Lock()
	ws.clients[conn] = struct{}{}
	websocketClients.Set(float64(len(ws.clients)))
	ws.mu.Unlock()
	logger.Info("WebSocket client connected", telemetry.String("remote", r.RemoteAddr))

	// reads only detect the close; clients have nothing to say
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	ws.remove(conn)
	logger.Info("WebSocket client disconnected", telemetry.String("remote", r.RemoteAddr))
}

// Clients returns the number of connected clients
func (ws *WebSocketBroadcaster) Clients() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.clients)
}

func (ws *WebSocketBroadcaster) remove(conn *websocket.Conn) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if _, ok := ws.clients[conn]; !ok {
		return
	}
	delete(ws.clients, conn)
	conn.Close()
	websocketClients.Set(float64(len(ws.clients)))
}

// Process implements the Stage interface.
// Every event with a client-facing message is written to all clients; clients
// whose write fails are dropped without failing the pipeline.
func (ws *WebSocketBroadcaster) Process(ctx context.Context, input <-chan core.Event, output chan<- core.Event) error {
	defer close(output)

	logger := ws.config.Logger.WithModule(ws.Name())
	defer ws.closeAll()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-input:
			if !ok {
				return nil
			}

			msg := protocol.EventToMessage(event)
			if msg == nil {
				continue
			}

			data, err := json.Marshal(msg)
			if err != nil {
				logger.Error("Failed to marshal message", telemetry.Err(err), telemetry.String("event_type", string(msg.Type)))
				continue
			}

			ws.broadcast(logger, data)
			logger.Debug("Broadcast event", telemetry.String("type", string(msg.Type)), telemetry.Int("clients", ws.Clients()))
		}
	}
}

// broadcast writes data to every client. Only the Process goroutine writes
// data frames, so the writes happen outside mu.
func (ws *WebSocketBroadcaster) broadcast(logger telemetry.Logger, data []byte) {
	ws.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(ws.clients))
	for conn := range ws.clients {
		clients = append(clients, conn)
	}
	ws.mu.Unlock()

	var failed []*websocket.Conn
	for _, conn := range clients {
		conn.SetWriteDeadline(time.Now().Add(ws.config.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Warn("Failed to write to WebSocket client", telemetry.Err(err))
			failed = append(failed, conn)
		}
	}

	for _, conn := range failed {
		ws.remove(conn)
	}
}

func (ws *WebSocketBroadcaster) closeAll() {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	for conn := range ws.clients {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		delete(ws.clients, conn)
	}
	websocketClients.Set(0)
}

// InputTypes returns the input event types this stage accepts
func (ws *WebSocketBroadcaster) InputTypes() []core.EventType {
	return []core.EventType{core.EventTypeMerged, core.EventTypeError, core.EventTypeDone}
}

// OutputTypes returns the output event types this stage produces
func (ws *WebSocketBroadcaster) OutputTypes() []core.EventType {
	return []core.EventType{core.EventTypeError}
}
