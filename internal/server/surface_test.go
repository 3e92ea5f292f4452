package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"previewd/internal/artifact"
	"previewd/internal/preview"
	"previewd/pkg/logx"
)

type fakeControl struct {
	mu        sync.Mutex
	viewports []preview.Viewport
	media     []clientOp
	activated []clientOp
}

func (f *fakeControl) SetViewport(vp preview.Viewport) {
	f.mu.Lock()
	f.viewports = append(f.viewports, vp)
	f.mu.Unlock()
}

func (f *fakeControl) MediaLoaded(cardID string, index, w, h int) {
	f.mu.Lock()
	f.media = append(f.media, clientOp{CardID: cardID, Index: index, Width: w, Height: h})
	f.mu.Unlock()
}

func (f *fakeControl) ActivateThumbnail(_ context.Context, cardID string, index int) {
	f.mu.Lock()
	f.activated = append(f.activated, clientOp{CardID: cardID, Index: index})
	f.mu.Unlock()
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	// Attachment is registered before the read pump starts; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Clients() == 0 {
		t.Fatal("client never attached")
	}
	return conn
}

func readOp(t *testing.T, conn *websocket.Conn) surfaceOp {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var op surfaceOp
	if err := json.Unmarshal(data, &op); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return op
}

func TestHubBroadcastsSurfaceOps(t *testing.T) {
	t.Parallel()
	hub := NewHub(logx.Nop())
	conn := dialHub(t, hub)

	hub.Mount(preview.CardView{ID: "card-1"})
	if op := readOp(t, conn); op.Op != "mount" || op.Card == nil || op.Card.ID != "card-1" {
		t.Fatalf("mount op = %+v", op)
	}

	hub.Unmount("card-1", "expired")
	if op := readOp(t, conn); op.Op != "unmount" || op.ID != "card-1" || op.Reason != "expired" {
		t.Fatalf("unmount op = %+v", op)
	}

	hub.OpenURL("/view?filename=a.png")
	if op := readOp(t, conn); op.Op != "open-url" || op.URL == "" {
		t.Fatalf("open-url op = %+v", op)
	}
}

func TestHubGalleryNeedsClients(t *testing.T) {
	t.Parallel()
	hub := NewHub(logx.Nop())
	arts := []artifact.Artifact{{URL: "/view?filename=a.png"}}

	opened, err := hub.Open(context.Background(), "e1", arts, 0)
	if err != nil || opened {
		t.Fatalf("no clients: opened=%v err=%v", opened, err)
	}

	conn := dialHub(t, hub)
	opened, err = hub.Open(context.Background(), "e1", arts, 0)
	if err != nil || !opened {
		t.Fatalf("with client: opened=%v err=%v", opened, err)
	}
	if op := readOp(t, conn); op.Op != "gallery" || op.EntryID != "e1" || len(op.Artifacts) != 1 {
		t.Fatalf("gallery op = %+v", op)
	}
}

func TestHubDispatchesClientOps(t *testing.T) {
	t.Parallel()
	hub := NewHub(logx.Nop())
	control := &fakeControl{}
	hub.SetControl(control)
	conn := dialHub(t, hub)

	send := func(op clientOp) {
		t.Helper()
		if err := conn.WriteJSON(op); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	send(clientOp{Op: "viewport", Width: 1920, Height: 1080})
	send(clientOp{Op: "media", CardID: "card-1", Index: 0, Width: 800, Height: 600})
	send(clientOp{Op: "activate", CardID: "card-1", Index: 1})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		control.mu.Lock()
		done := len(control.viewports) == 1 && len(control.media) == 1 && len(control.activated) == 1
		control.mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	control.mu.Lock()
	defer control.mu.Unlock()
	if len(control.viewports) != 1 || control.viewports[0] != (preview.Viewport{Width: 1920, Height: 1080}) {
		t.Fatalf("viewports = %+v", control.viewports)
	}
	if len(control.media) != 1 || control.media[0].CardID != "card-1" || control.media[0].Width != 800 {
		t.Fatalf("media = %+v", control.media)
	}
	if len(control.activated) != 1 || control.activated[0].Index != 1 {
		t.Fatalf("activated = %+v", control.activated)
	}
}
