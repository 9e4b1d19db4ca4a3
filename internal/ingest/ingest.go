// Package ingest is the ingestion engine: a one-time backfill over a
// historical id range followed by a live tailer that buffers updates
// until backfill completes, then applies them and tracks which stories
// were affected. Grounded on dbsync.py / updater.py's SyncService.
package ingest

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/hnsearch/hnsearch/internal/hn"
	"github.com/hnsearch/hnsearch/internal/storage"
	"github.com/hnsearch/hnsearch/internal/telemetry"
)

// BatchSize is the number of items fetched per backfill chunk, matching
// BATCH_SIZE in the Python original.
const BatchSize = 64

// State is the ingestion connection state machine.
type State int

const (
	StateIdle State = iota
	StateConnected
	StateStreaming
	StateDisconnected
	StateRetrying
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateDisconnected:
		return "disconnected"
	case StateRetrying:
		return "retrying"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Store is the subset of internal/storage.Store the ingestion engine
// writes to and walks, narrowed so tests can supply an in-memory fake.
type Store interface {
	UpsertItems(ctx context.Context, items []storage.Item) error
	UpsertUsers(ctx context.Context, users []storage.User) error
	RootStoryID(ctx context.Context, itemID int64) (int64, bool, error)
	MaxItemID(ctx context.Context) (int64, error)
}

// Engine owns the item store, upstream client, affected-story tracking
// and missing-id bookkeeping for one ingestion run.
type Engine struct {
	Client    *hn.Client
	Store     Store
	Affected  *AffectedSet
	Missing   *MissingSet
	Telemetry *telemetry.Telemetry

	mu    sync.Mutex
	state State

	buffer              []hn.Update
	initialFetchComplete bool
}

func New(client *hn.Client, store Store, missing *MissingSet, t *telemetry.Telemetry) *Engine {
	return &Engine{
		Client:    client,
		Store:     store,
		Affected:  NewAffectedSet(),
		Missing:   missing,
		Telemetry: t,
		state:     StateIdle,
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		log.Printf("ingest: state %s -> %s", prev, s)
	}
}

// State returns the engine's current connection state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Backfill fetches every item from startID to endID inclusive, batching
// BatchSize ids at a time, upserting each batch as a commit unit. Gaps
// (upstream null) are recorded in Missing rather than retried forever.
func (e *Engine) Backfill(ctx context.Context, startID, endID int64) error {
	e.setState(StateConnected)
	log.Printf("ingest: backfilling items %d..%d", startID, endID)

	for start := startID; start <= endID; start += BatchSize {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		end := start + BatchSize - 1
		if end > endID {
			end = endID
		}
		ids := make([]int64, 0, end-start+1)
		for id := start; id <= end; id++ {
			if e.Missing != nil && e.Missing.Has(id) {
				continue
			}
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			continue
		}

		rawItems, err := e.Client.GetItems(ctx, ids)
		if err != nil {
			return fmt.Errorf("backfill batch %d..%d: %w", start, end, err)
		}

		var items []storage.Item
		for i, item := range rawItems {
			if item == nil {
				if e.Missing != nil {
					if err := e.Missing.Record(ids[i]); err != nil {
						log.Printf("ingest: failed to record missing id %d: %v", ids[i], err)
					}
				}
				if e.Telemetry != nil {
					e.Telemetry.MissingItems.Inc()
				}
				continue
			}
			items = append(items, *item)
		}

		if err := e.Store.UpsertItems(ctx, items); err != nil {
			return fmt.Errorf("backfill upsert %d..%d: %w", start, end, err)
		}
		if e.Telemetry != nil {
			e.Telemetry.BackfillItemsFetched.Add(float64(len(items)))
		}
	}

	log.Printf("ingest: backfill complete, now draining %d buffered updates", len(e.buffer))
	e.mu.Lock()
	e.initialFetchComplete = true
	buffered := e.buffer
	e.buffer = nil
	e.mu.Unlock()

	for _, u := range buffered {
		if err := e.ProcessUpdate(ctx, u); err != nil {
			log.Printf("ingest: failed to apply buffered update: %v", err)
		}
	}
	return nil
}

// OnUpdate is the tailer callback: before backfill completes, updates are
// buffered in arrival order; afterward they're applied immediately.
func (e *Engine) OnUpdate(ctx context.Context, u hn.Update) error {
	e.mu.Lock()
	complete := e.initialFetchComplete
	if !complete {
		e.buffer = append(e.buffer, u)
		n := len(e.buffer)
		e.mu.Unlock()
		log.Printf("ingest: buffering update while backfill runs (buffered=%d)", n)
		return nil
	}
	e.mu.Unlock()

	if e.Telemetry != nil {
		e.Telemetry.Updates.Inc()
	}
	return e.ProcessUpdate(ctx, u)
}

// ProcessUpdate fetches and upserts every item/user id named by an update,
// then walks each updated item to its root story and marks it affected.
// Matches process_updates.
func (e *Engine) ProcessUpdate(ctx context.Context, u hn.Update) error {
	if e.Telemetry != nil {
		e.Telemetry.ItemsUpdated.Add(float64(len(u.Items)))
		e.Telemetry.UsersUpdated.Add(float64(len(u.Profiles)))
	}

	for start := 0; start < len(u.Items); start += BatchSize {
		end := start + BatchSize
		if end > len(u.Items) {
			end = len(u.Items)
		}
		chunk := u.Items[start:end]

		rawItems, err := e.Client.GetItems(ctx, chunk)
		if err != nil {
			return fmt.Errorf("process update items: %w", err)
		}
		var items []storage.Item
		for i, item := range rawItems {
			if item == nil {
				if e.Missing != nil {
					e.Missing.Record(chunk[i])
				}
				continue
			}
			items = append(items, *item)
		}
		if err := e.Store.UpsertItems(ctx, items); err != nil {
			return fmt.Errorf("process update upsert items: %w", err)
		}

		for _, id := range chunk {
			storyID, ok, err := e.Store.RootStoryID(ctx, id)
			if err != nil {
				log.Printf("ingest: root story lookup for %d: %v", id, err)
				continue
			}
			if ok {
				e.Affected.Add(storyID)
			}
		}
	}

	for start := 0; start < len(u.Profiles); start += BatchSize {
		end := start + BatchSize
		if end > len(u.Profiles) {
			end = len(u.Profiles)
		}
		chunk := u.Profiles[start:end]

		var users []storage.User
		for _, name := range chunk {
			user, err := e.Client.GetUser(ctx, name)
			if err != nil {
				log.Printf("ingest: fetch user %s: %v", name, err)
				continue
			}
			if user != nil {
				users = append(users, *user)
			}
		}
		if err := e.Store.UpsertUsers(ctx, users); err != nil {
			return fmt.Errorf("process update upsert users: %w", err)
		}
	}

	return nil
}

// RunTailer streams live updates and applies OnUpdate to each, reconnecting
// on transient failures. Runs until ctx is cancelled.
func (e *Engine) RunTailer(ctx context.Context, tailer *hn.Tailer) error {
	e.setState(StateStreaming)
	updates := make(chan hn.Update, 256)

	go func() {
		if err := tailer.Run(ctx, updates); err != nil && ctx.Err() == nil {
			log.Printf("ingest: tailer exited: %v", err)
			e.setState(StateDisconnected)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			e.setState(StateStopped)
			return ctx.Err()
		case u := <-updates:
			if err := e.OnUpdate(ctx, u); err != nil {
				log.Printf("ingest: failed to apply update: %v", err)
			}
		}
	}
}

// RunBackfillThenTail runs a full backfill from the current max known item
// id (rewound by offset) to the upstream max item id, then hands off to the
// tailer. The tailer is started before backfill so live updates are
// buffered rather than missed entirely during the (potentially long)
// backfill, matching run()'s task ordering in the Python original.
func (e *Engine) RunBackfillThenTail(ctx context.Context, tailer *hn.Tailer, offset int64) error {
	updates := make(chan hn.Update, 256)
	tailerErrCh := make(chan error, 1)
	go func() { tailerErrCh <- tailer.Run(ctx, updates) }()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-updates:
				if err := e.OnUpdate(ctx, u); err != nil {
					log.Printf("ingest: failed to apply update: %v", err)
				}
			}
		}
	}()

	maxLocal, err := e.Store.MaxItemID(ctx)
	if err != nil {
		return fmt.Errorf("backfill: read local max item id: %w", err)
	}
	maxUpstream, err := e.Client.MaxItemID(ctx)
	if err != nil {
		return fmt.Errorf("backfill: read upstream max item id: %w", err)
	}

	start := maxLocal - offset
	if start < 1 {
		start = 1
	}
	if err := e.Backfill(ctx, start, maxUpstream); err != nil {
		return err
	}

	e.setState(StateStreaming)
	<-ctx.Done()
	e.setState(StateStopped)
	return ctx.Err()
}
