package fanout

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// defaultAllowedOrigins contains safe defaults for local development.
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
}

// newUpgrader creates a WebSocket upgrader with origin checking.
// allowedOrigins:
//   - If nil or empty, defaultAllowedOrigins is used.
//   - Pass []string{"*"} to allow any origin (development only).
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	if len(allowedOrigins) == 0 {
		allowedOrigins = defaultAllowedOrigins
	}

	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	allowAll := allowed["*"]

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := strings.ToLower(strings.TrimRight(r.Header.Get("Origin"), "/"))
			if origin == "" {
				return true
			}
			return allowed[origin]
		},
	}
}

// subscribeFrame is the {subscribe|unsubscribe, runId|agentId|global} wire
// frame of spec.md §6.
type subscribeFrame struct {
	Action  string `json:"action"` // "subscribe" | "unsubscribe"
	RunID   string `json:"runId,omitempty"`
	AgentID string `json:"agentId,omitempty"`
	Global  bool   `json:"global,omitempty"`
}

func (f subscribeFrame) topic() string {
	switch {
	case f.RunID != "":
		return RunTopic(f.RunID)
	case f.AgentID != "":
		return AgentTopic(f.AgentID)
	case f.Global:
		return GlobalTopic
	default:
		return ""
	}
}

// Handler serves the subscription transport of spec.md §6 over a
// gorilla/websocket connection: it accepts subscribe/unsubscribe frames and
// writes Bus messages to the client as JSON objects.
type Handler struct {
	bus            *Bus
	log            *zap.Logger
	allowedOrigins []string
}

// NewHandler builds a Handler fronting bus. allowedOrigins follows
// newUpgrader's rules.
func NewHandler(bus *Bus, log *zap.Logger, allowedOrigins []string) *Handler {
	return &Handler{bus: bus, log: log, allowedOrigins: allowedOrigins}
}

// ServeHTTP upgrades the connection and runs its read/write pumps until the
// client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := newUpgrader(h.allowedOrigins)
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("fanout: websocket upgrade failed", zap.Error(err))
		return
	}

	sub := h.bus.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	var writeMu sync.Mutex

	go func() {
		defer close(done)
		for {
			var frame subscribeFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			topic := frame.topic()
			if topic == "" {
				continue
			}
			switch frame.Action {
			case "subscribe":
				sub.Subscribe(topic)
			case "unsubscribe":
				sub.Unsubscribe(topic)
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			conn.Close()
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				conn.Close()
				return
			}
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := conn.WriteJSON(msg.Payload)
			writeMu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		}
	}
}
