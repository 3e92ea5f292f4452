// Package upstream connects to the generation backend: a WebSocket
// event stream with a polling fallback over the backend's history
// endpoint. Completed prompts are linked to stored history entries,
// persisted, and forwarded to the notification pipeline.
package upstream

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"previewd/internal/artifact"
	"previewd/internal/eventbus"
	"previewd/pkg/logx"
)

const (
	defaultPollInterval  = 5 * time.Second
	defaultReconnectMax  = 30 * time.Second
	defaultHistoryWindow = 512

	reconnectBase = 500 * time.Millisecond
	dialTimeout   = 10 * time.Second
)

// EventHandler receives linked completion payloads. *notify.Orchestrator
// satisfies it.
type EventHandler interface {
	HandleEvent(ctx context.Context, payload any)
}

// Store is the persistence slice the watcher needs. *history.Store
// satisfies it.
type Store interface {
	AddOutputs(ctx context.Context, entryIDs []string, refs []artifact.FileRef) error
	TouchEntries(ctx context.Context, entryIDs []string) error
	FindEntryIDsForPrompts(ctx context.Context, prompts []string) (map[string]string, error)
	MergeMetadata(ctx context.Context, entryIDs []string, params map[string]any) error
}

type Config struct {
	// BaseURL is the backend's HTTP base, e.g. "http://127.0.0.1:8188".
	BaseURL string

	// ClientID identifies this daemon on the event socket.
	ClientID string

	// PollInterval drives the history fallback scan. <=0 means 5s.
	PollInterval time.Duration

	// ReconnectMax caps the socket reconnect backoff. <=0 means 30s.
	ReconnectMax time.Duration

	// HistoryWindow bounds the fallback scan. <=0 means 512.
	HistoryWindow int
}

// Watcher owns the backend connection lifecycle. Safe for a single
// Run() call; RegisterPrompt may be called concurrently.
type Watcher struct {
	cfg     Config
	log     logx.Logger
	handler EventHandler
	store   Store
	bus     eventbus.Bus
	client  historyClient

	// kick forces an immediate fallback scan after a socket completion
	// event, instead of waiting out the poll interval.
	kick chan struct{}

	// pending maps upstream prompt ids to entry ids registered at
	// enqueue time. Consumed once per prompt completion.
	pendingMu sync.Mutex
	pending   map[string][]string

	processed map[string]struct{}
}

type Option func(*Watcher)

func WithBus(b eventbus.Bus) Option {
	return func(w *Watcher) { w.bus = b }
}

// withHistoryClient overrides the history fetcher in tests.
func withHistoryClient(c historyClient) Option {
	return func(w *Watcher) { w.client = c }
}

func New(cfg Config, handler EventHandler, store Store, log logx.Logger, opts ...Option) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "previewd-" + uuid.NewString()
	}
	w := &Watcher{
		cfg:       cfg,
		log:       log.With(logx.String("comp", "upstream")),
		handler:   handler,
		store:     store,
		kick:      make(chan struct{}, 1),
		pending:   make(map[string][]string),
		processed: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.client == nil {
		w.client = newHTTPHistoryClient(cfg.BaseURL)
	}
	return w
}

// RegisterPrompt associates entry ids with an upstream prompt id before
// the backend reports completion. Ids are consumed on first use.
func (w *Watcher) RegisterPrompt(promptID string, entryIDs []string) {
	if promptID == "" || len(entryIDs) == 0 {
		return
	}
	w.pendingMu.Lock()
	w.pending[promptID] = append(w.pending[promptID], entryIDs...)
	w.pendingMu.Unlock()
}

func (w *Watcher) consumePending(promptID string) []string {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	ids := w.pending[promptID]
	delete(w.pending, promptID)
	return ids
}

// Run blocks until ctx is cancelled, maintaining the socket and the
// polling fallback concurrently.
func (w *Watcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.socketLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		w.pollLoop(ctx)
	}()
	wg.Wait()
}

// socketLoop dials the backend event socket and reconnects with
// jittered exponential backoff.
func (w *Watcher) socketLoop(ctx context.Context) {
	wsURL, err := w.socketURL()
	if err != nil {
		w.log.Error("invalid upstream url; socket disabled", logx.Err(err))
		return
	}

	backoff := reconnectBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := w.dial(ctx, wsURL)
		if err != nil {
			w.log.Debug("upstream dial failed", logx.Err(err), logx.Duration("backoff", backoff))
			wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
			if backoff < w.cfg.ReconnectMax {
				backoff *= 2
				if backoff > w.cfg.ReconnectMax {
					backoff = w.cfg.ReconnectMax
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}

		backoff = reconnectBase
		w.log.Info("upstream connected", logx.String("url", wsURL))
		w.publishState("connected")
		w.readLoop(ctx, conn)
		w.publishState("disconnected")
		w.log.Warn("upstream disconnected")
	}
}

func (w *Watcher) dial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, resp, err := websocket.DefaultDialer.DialContext(dctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// socketMessage is the envelope the backend emits on the event socket.
type socketMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func (w *Watcher) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.log.Debug("upstream read failed", logx.Err(err))
			}
			return
		}
		var msg socketMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // binary preview frames and other non-JSON traffic
		}
		switch msg.Type {
		case "executed", "execution_success":
			// Completion details live in the history endpoint; force an
			// immediate scan rather than duplicating its parsing here.
			w.requestScan()
		}
	}
}

func (w *Watcher) requestScan() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Watcher) socketURL() (string, error) {
	u, err := url.Parse(w.cfg.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = path.Join(u.Path, "ws")
	q := u.Query()
	q.Set("clientId", w.cfg.ClientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (w *Watcher) publishState(state string) {
	if w.bus != nil {
		w.bus.Publish(eventbus.Event{Type: eventbus.TypeUpstreamState, Data: map[string]string{"state": state}})
	}
}
