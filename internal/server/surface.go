package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"previewd/internal/artifact"
	"previewd/internal/preview"
	"previewd/pkg/logx"
)

const (
	clientSendBuffer = 32
	writeWait        = 10 * time.Second
	maxInboundBytes  = 4 << 10
)

// PreviewControl is the slice of the preview manager that UI clients
// drive: viewport reports, media dimensions, thumbnail clicks.
type PreviewControl interface {
	SetViewport(vp preview.Viewport)
	MediaLoaded(cardID string, index, naturalW, naturalH int)
	ActivateThumbnail(ctx context.Context, cardID string, index int)
}

// surfaceOp is the envelope pushed to UI clients.
type surfaceOp struct {
	Op         string              `json:"op"`
	Card       *preview.CardView   `json:"card,omitempty"`
	ID         string              `json:"id,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	URL        string              `json:"url,omitempty"`
	EntryID    string              `json:"entry_id,omitempty"`
	Artifacts  []artifact.Artifact `json:"artifacts,omitempty"`
	StartIndex int                 `json:"start_index,omitempty"`
}

// clientOp is what UI clients send back.
type clientOp struct {
	Op     string `json:"op"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	CardID string `json:"card_id,omitempty"`
	Index  int    `json:"index,omitempty"`
}

// Hub fans preview operations out to every attached UI client. It
// implements preview.Surface and preview.Gallery.
type Hub struct {
	log     logx.Logger
	control PreviewControl

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{
		log:     log.With(logx.String("comp", "surface")),
		clients: map[*wsClient]struct{}{},
		upgrader: websocket.Upgrader{
			// Local tool surface; clients connect from file:// pages and
			// editor webviews, so origin enforcement buys nothing here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SetControl wires the preview manager in after construction. The hub
// and the manager reference each other, so one side attaches late.
func (h *Hub) SetControl(c PreviewControl) {
	h.mu.Lock()
	h.control = c
	h.mu.Unlock()
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Mount implements preview.Surface.
func (h *Hub) Mount(v preview.CardView) {
	h.broadcast(surfaceOp{Op: "mount", Card: &v})
}

// Update implements preview.Surface.
func (h *Hub) Update(v preview.CardView) {
	h.broadcast(surfaceOp{Op: "update", Card: &v})
}

// Unmount implements preview.Surface.
func (h *Hub) Unmount(id, reason string) {
	h.broadcast(surfaceOp{Op: "unmount", ID: id, Reason: reason})
}

// OpenURL implements preview.Surface.
func (h *Hub) OpenURL(url string) {
	h.broadcast(surfaceOp{Op: "open-url", URL: url})
}

// Open implements preview.Gallery: it pushes a gallery-open command and
// reports whether any client was attached to receive it.
func (h *Hub) Open(_ context.Context, entryID string, artifacts []artifact.Artifact, startIndex int) (bool, error) {
	if h.Clients() == 0 {
		return false, nil
	}
	h.broadcast(surfaceOp{Op: "gallery", EntryID: entryID, Artifacts: artifacts, StartIndex: startIndex})
	return true, nil
}

func (h *Hub) broadcast(op surfaceOp) {
	b, err := json.Marshal(op)
	if err != nil {
		h.log.Error("surface op marshal failed", logx.Err(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			// Slow client: drop this op rather than block the manager.
			h.log.Debug("surface op dropped (client slow)", logx.String("op", op.Op))
		}
	}
}

// ServeWS upgrades the connection and pumps ops until the client goes
// away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("surface upgrade failed", logx.Err(err))
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, clientSendBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("surface client attached", logx.Int("clients", n))

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) writePump(c *wsClient) {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (h *Hub) readPump(c *wsClient) {
	defer h.drop(c)
	c.conn.SetReadLimit(maxInboundBytes)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var op clientOp
		if err := json.Unmarshal(data, &op); err != nil {
			continue
		}
		h.dispatch(op)
	}
}

func (h *Hub) dispatch(op clientOp) {
	h.mu.Lock()
	control := h.control
	h.mu.Unlock()
	if control == nil {
		return
	}
	switch op.Op {
	case "viewport":
		control.SetViewport(preview.Viewport{Width: op.Width, Height: op.Height})
	case "media":
		control.MediaLoaded(op.CardID, op.Index, op.Width, op.Height)
	case "activate":
		control.ActivateThumbnail(context.Background(), op.CardID, op.Index)
	}
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	_ = c.conn.Close()
	h.log.Info("surface client detached", logx.Int("clients", n))
}
