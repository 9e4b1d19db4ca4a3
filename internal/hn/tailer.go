package hn

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	r3sse "github.com/r3labs/sse/v2"
)

// Update is a single decoded payload from the live updates stream: ids of
// items and user profiles that changed since the previous event.
type Update struct {
	Items    []int64  `json:"items"`
	Profiles []string `json:"profiles"`
}

// Tailer subscribes to the live updates feed and delivers decoded Update
// events, reconnecting on transient failures. Grounded on watch_updates in
// the Python original, using r3labs/sse in place of aiohttp_sse_client.
type Tailer struct {
	baseURL     string
	reconnectAt time.Duration
}

func NewTailer(baseURL string) *Tailer {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Tailer{baseURL: baseURL, reconnectAt: 5 * time.Second}
}

// Run streams decoded updates to the given channel until ctx is cancelled.
// Each reconnect is logged with a fresh connection id for correlation, the
// way cmd/ingest's worker logs are scoped per run.
func (t *Tailer) Run(ctx context.Context, updates chan<- Update) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		connID := uuid.NewString()
		log.Printf("hn: tailer connecting (conn=%s)", connID)

		client := r3sse.NewClient(t.baseURL + "/updates.json")
		client.ReconnectStrategy = nil // we own reconnect/backoff below

		err := client.SubscribeWithContext(ctx, "", func(msg *r3sse.Event) {
			if len(msg.Data) == 0 {
				return
			}
			var update Update
			if err := json.Unmarshal(msg.Data, &update); err != nil {
				log.Printf("hn: tailer (conn=%s) malformed update: %v", connID, err)
				return
			}
			if len(update.Items) == 0 && len(update.Profiles) == 0 {
				return
			}
			select {
			case updates <- update:
			case <-ctx.Done():
			}
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("hn: tailer (conn=%s) disconnected: %v", connID, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.reconnectAt):
		}
	}
}
