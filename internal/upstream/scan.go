package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"previewd/internal/artifact"
	"previewd/pkg/logx"
)

// promptInputClass marks the backend graph node that carries the user's
// prompt text for history linking.
const promptInputClass = "PromptHistoryInput"

// historyClient fetches the backend's completed-prompt history.
type historyClient interface {
	History(ctx context.Context, maxItems int) (map[string]historyRecord, error)
}

// historyRecord is one completed prompt as the backend reports it.
// Prompt is a positional tuple; index 2 holds the node graph.
type historyRecord struct {
	Prompt  []any          `json:"prompt"`
	Outputs map[string]any `json:"outputs"`
}

func (r historyRecord) graph() map[string]any {
	if len(r.Prompt) > 2 {
		if g, ok := r.Prompt[2].(map[string]any); ok {
			return g
		}
	}
	return nil
}

type httpHistoryClient struct {
	base string
	hc   *http.Client
}

func newHTTPHistoryClient(base string) *httpHistoryClient {
	return &httpHistoryClient{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *httpHistoryClient) History(ctx context.Context, maxItems int) (map[string]historyRecord, error) {
	u := fmt.Sprintf("%s/history?max_items=%s", c.base, url.QueryEscape(fmt.Sprint(maxItems)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history fetch: unexpected status %d", resp.StatusCode)
	}
	var out map[string]historyRecord
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// pollLoop scans the history endpoint on a fixed interval, and
// immediately when the socket reports a completion.
func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.kick:
		}
		w.scanOnce(ctx)
	}
}

// scanOnce links every not-yet-processed completed prompt. The
// processed set is intersected with the current window so it cannot
// grow past the backend's own retention.
func (w *Watcher) scanOnce(ctx context.Context) {
	records, err := w.client.History(ctx, w.cfg.HistoryWindow)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Debug("history scan failed", logx.Err(err))
		}
		return
	}

	window := make(map[string]struct{}, len(records))
	for promptID, rec := range records {
		window[promptID] = struct{}{}
		if _, done := w.processed[promptID]; done {
			continue
		}
		w.processed[promptID] = struct{}{}
		if err := w.handleCompletion(ctx, promptID, rec); err != nil {
			w.log.Warn("prompt completion handling failed",
				logx.String("prompt_id", promptID), logx.Err(err))
		}
	}
	for promptID := range w.processed {
		if _, ok := window[promptID]; !ok {
			delete(w.processed, promptID)
		}
	}
}

// handleCompletion links one completed prompt to stored entries,
// persists its generated files, and forwards the result to the
// notification pipeline.
func (w *Watcher) handleCompletion(ctx context.Context, promptID string, rec historyRecord) error {
	entryIDs := w.consumePending(promptID)
	if len(entryIDs) == 0 {
		texts := promptTexts(rec.graph())
		if len(texts) > 0 {
			resolved, err := w.store.FindEntryIDsForPrompts(ctx, texts)
			if err != nil {
				return err
			}
			entryIDs = make([]string, 0, len(resolved))
			for _, id := range resolved {
				entryIDs = append(entryIDs, id)
			}
			sort.Strings(entryIDs)
		}
	}
	if len(entryIDs) == 0 {
		return nil
	}

	files := filesFromOutputs(rec.Outputs)
	if len(files) > 0 {
		if err := w.store.AddOutputs(ctx, entryIDs, files); err != nil {
			return err
		}
	}
	if params := graphParameters(rec.graph()); len(params) > 0 {
		if err := w.store.MergeMetadata(ctx, entryIDs, params); err != nil {
			return err
		}
	}
	if err := w.store.TouchEntries(ctx, entryIDs); err != nil {
		return err
	}

	w.handler.HandleEvent(ctx, completionPayload(entryIDs, files))
	return nil
}

func completionPayload(entryIDs []string, files []artifact.FileRef) map[string]any {
	ids := make([]any, len(entryIDs))
	for i, id := range entryIDs {
		ids[i] = id
	}
	payload := map[string]any{"entry_ids": ids}
	if len(files) > 0 {
		refs := make([]any, len(files))
		for i, f := range files {
			refs[i] = f
		}
		payload["files"] = refs
	}
	return payload
}

// promptTexts collects prompt strings from history-input nodes in the
// executed graph.
func promptTexts(graph map[string]any) []string {
	var out []string
	for _, node := range graph {
		nm, ok := node.(map[string]any)
		if !ok || nm["class_type"] != promptInputClass {
			continue
		}
		inputs, ok := nm["inputs"].(map[string]any)
		if !ok {
			continue
		}
		if text, ok := inputs["prompt"].(string); ok && text != "" {
			out = append(out, text)
		}
	}
	sort.Strings(out)
	return out
}

// graphParameters pulls common generation parameters (seed, steps, cfg,
// model, dimensions) out of the executed node graph. Prompt text is
// left out; history linking owns that.
func graphParameters(graph map[string]any) map[string]any {
	params := map[string]any{}
	for _, node := range graph {
		nm, ok := node.(map[string]any)
		if !ok {
			continue
		}
		class, _ := nm["class_type"].(string)
		inputs, _ := nm["inputs"].(map[string]any)
		switch class {
		case "CheckpointLoader", "CheckpointLoaderSimple", "Checkpoint Loader":
			setStringParam(params, "model", inputs["ckpt_name"])
		case "KSampler", "KSamplerAdvanced":
			switch seed := inputs["seed"].(type) {
			case float64:
				params["seed"] = seed
			case string:
				if seed != "" {
					params["seed"] = seed
				}
			}
			setNumberParam(params, "steps", inputs["steps"])
			setNumberParam(params, "cfg", inputs["cfg"])
			setStringParam(params, "sampler", inputs["sampler_name"])
			setStringParam(params, "scheduler", inputs["scheduler"])
			if d, ok := inputs["denoise"].(float64); ok && d != 1.0 {
				params["denoise"] = d
			}
		case "EmptyLatentImage":
			setNumberParam(params, "width", inputs["width"])
			setNumberParam(params, "height", inputs["height"])
			setNumberParam(params, "batch_size", inputs["batch_size"])
		}
	}
	return params
}

func setNumberParam(params map[string]any, key string, v any) {
	if n, ok := v.(float64); ok {
		params[key] = n
	}
}

func setStringParam(params map[string]any, key string, v any) {
	if s, ok := v.(string); ok && s != "" {
		params[key] = s
	}
}

// filesFromOutputs flattens per-node output maps into file refs. Nodes
// report generated files under "images" or "files".
func filesFromOutputs(outputs map[string]any) []artifact.FileRef {
	var out []artifact.FileRef
	for _, nodeOutputs := range outputs {
		nm, ok := nodeOutputs.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"images", "files"} {
			entries, ok := nm[key].([]any)
			if !ok {
				continue
			}
			for _, entry := range entries {
				switch e := entry.(type) {
				case map[string]any:
					name, _ := e["filename"].(string)
					if strings.TrimSpace(name) == "" {
						continue
					}
					ref := artifact.FileRef{Filename: name}
					if sub, ok := e["subfolder"].(string); ok {
						ref.Subfolder = sub
					}
					if typ, ok := e["type"].(string); ok && typ != "" {
						ref.Type = typ
					} else if kind, ok := e["kind"].(string); ok {
						ref.Type = kind
					}
					out = append(out, ref)
				case string:
					if e != "" {
						out = append(out, artifact.FileRef{Filename: e})
					}
				}
			}
		}
	}
	return out
}
