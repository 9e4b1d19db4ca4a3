package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hnsearch/hnsearch/internal/hn"
	"github.com/hnsearch/hnsearch/internal/storage"
)

type fakeStore struct {
	mu        sync.Mutex
	items     map[int64]storage.Item
	users     map[string]storage.User
	roots     map[int64]int64
	maxItemID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: make(map[int64]storage.Item), users: make(map[string]storage.User), roots: make(map[int64]int64)}
}

func (f *fakeStore) UpsertItems(ctx context.Context, items []storage.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range items {
		f.items[it.ID] = it
	}
	return nil
}

func (f *fakeStore) UpsertUsers(ctx context.Context, users []storage.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range users {
		f.users[u.ID] = u
	}
	return nil
}

func (f *fakeStore) RootStoryID(ctx context.Context, itemID int64) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.roots[itemID]
	return id, ok, nil
}

func (f *fakeStore) MaxItemID(ctx context.Context) (int64, error) {
	return f.maxItemID, nil
}

// fixtureServer serves /item/<id>.json and /user/<name>.json from fixed maps,
// matching the shape the real upstream API returns.
func fixtureServer(t *testing.T, items map[int64]map[string]interface{}, users map[string]map[string]interface{}) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/item/", func(w http.ResponseWriter, r *http.Request) {
		idStr := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/item/"), ".json")
		id, _ := strconv.ParseInt(idStr, 10, 64)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(items[id])
	})
	mux.HandleFunc("/user/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/user/"), ".json")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(users[name])
	})
	return httptest.NewServer(mux)
}

func TestBackfillUpsertsItemsAndRecordsGaps(t *testing.T) {
	srv := fixtureServer(t, map[int64]map[string]interface{}{
		1: {"id": 1, "type": "story", "title": "one"},
		2: nil,
		3: {"id": 3, "type": "story", "title": "three"},
	}, nil)
	defer srv.Close()

	client := hn.NewClient(hn.WithBaseURL(srv.URL))
	store := newFakeStore()
	missingPath := t.TempDir() + "/missing.ndjson"
	missing, err := OpenMissingSet(missingPath)
	require.NoError(t, err)
	defer missing.Close()

	e := New(client, store, missing, nil)
	require.NoError(t, e.Backfill(context.Background(), 1, 3))

	require.Len(t, store.items, 2)
	require.True(t, missing.Has(2))
}

func TestOnUpdateBuffersUntilBackfillCompletes(t *testing.T) {
	srv := fixtureServer(t, map[int64]map[string]interface{}{
		10: {"id": 10, "type": "comment", "parent": 1},
	}, nil)
	defer srv.Close()

	client := hn.NewClient(hn.WithBaseURL(srv.URL))
	store := newFakeStore()
	store.roots[10] = 1
	missing, err := OpenMissingSet(t.TempDir() + "/missing.ndjson")
	require.NoError(t, err)
	defer missing.Close()

	e := New(client, store, missing, nil)

	require.NoError(t, e.OnUpdate(context.Background(), hn.Update{Items: []int64{10}}))
	require.Empty(t, store.items, "update should be buffered, not yet applied")

	require.NoError(t, e.Backfill(context.Background(), 1, 1))
	require.Contains(t, store.items, int64(10))
	require.Equal(t, int64(1), e.Affected.DrainAll()[0])
}

func TestProcessUpdateMarksAffectedStory(t *testing.T) {
	srv := fixtureServer(t, map[int64]map[string]interface{}{
		5: {"id": 5, "type": "comment", "parent": 1},
	}, nil)
	defer srv.Close()

	client := hn.NewClient(hn.WithBaseURL(srv.URL))
	store := newFakeStore()
	store.roots[5] = 1
	missing, err := OpenMissingSet(t.TempDir() + "/missing.ndjson")
	require.NoError(t, err)
	defer missing.Close()

	e := New(client, store, missing, nil)
	e.initialFetchComplete = true

	require.NoError(t, e.ProcessUpdate(context.Background(), hn.Update{Items: []int64{5}}))
	affected := e.Affected.DrainAll()
	require.Equal(t, []int64{1}, affected)
}

func TestStateTransitionsThroughBackfill(t *testing.T) {
	srv := fixtureServer(t, map[int64]map[string]interface{}{
		1: {"id": 1, "type": "story", "title": "one"},
	}, nil)
	defer srv.Close()

	client := hn.NewClient(hn.WithBaseURL(srv.URL))
	store := newFakeStore()
	missing, err := OpenMissingSet(t.TempDir() + "/missing.ndjson")
	require.NoError(t, err)
	defer missing.Close()

	e := New(client, store, missing, nil)
	require.Equal(t, StateIdle, e.State())
	require.NoError(t, e.Backfill(context.Background(), 1, 1))
	require.Equal(t, StateConnected, e.State())
}
