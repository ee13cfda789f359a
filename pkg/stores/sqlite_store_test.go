package stores

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// setupTestStore creates a file-backed SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func mustDocument(t *testing.T, kind, link string, body interface{}) *Document {
	t.Helper()
	doc, err := NewDocument(kind, link, body)
	if err != nil {
		t.Fatalf("failed to build document: %v", err)
	}
	return doc
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	// A second run is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"documents", "task_events"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestDocumentCRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		created, err := s.Create(ctx, mustDocument(t, "widget", "/widgets/a", map[string]string{"name": "a"}))
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if created.Version != 1 {
			t.Errorf("expected version 1, got %d", created.Version)
		}

		got, err := s.Get(ctx, "/widgets/a")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		var body map[string]string
		if err := got.Decode(&body); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if body["name"] != "a" {
			t.Errorf("expected name a, got %q", body["name"])
		}

		if err := s.Delete(ctx, "/widgets/a"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := s.Get(ctx, "/widgets/a"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.Delete(ctx, "/widgets/a"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound deleting twice, got %v", err)
		}
	})
}

func TestCreateIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		first, err := s.Create(ctx, mustDocument(t, "widget", "/widgets/a", map[string]string{"owner": "first"}))
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		second, err := s.Create(ctx, mustDocument(t, "widget", "/widgets/a", map[string]string{"owner": "second"}))
		if err != nil {
			t.Fatalf("second Create failed: %v", err)
		}

		var body map[string]string
		if err := second.Decode(&body); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if body["owner"] != "first" {
			t.Errorf("expected existing document to be returned, got owner %q", body["owner"])
		}
		if second.Version != first.Version {
			t.Errorf("expected version %d, got %d", first.Version, second.Version)
		}
	})
}

func TestConditionalUpdate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		doc, err := s.Create(ctx, mustDocument(t, "widget", "/widgets/a", map[string]int{"n": 0}))
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		doc.Body = []byte(`{"n":1}`)
		updated, err := s.ConditionalUpdate(ctx, doc, doc.Version)
		if err != nil {
			t.Fatalf("ConditionalUpdate failed: %v", err)
		}
		if updated.Version != 2 {
			t.Errorf("expected version 2, got %d", updated.Version)
		}

		// The stale version must be rejected and leave the document untouched.
		doc.Body = []byte(`{"n":99}`)
		if _, err := s.ConditionalUpdate(ctx, doc, 1); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}

		got, err := s.Get(ctx, "/widgets/a")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Body) != `{"n":1}` {
			t.Errorf("unexpected body after rejected update: %s", got.Body)
		}

		missing := mustDocument(t, "widget", "/widgets/missing", map[string]int{})
		if _, err := s.ConditionalUpdate(ctx, missing, 1); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestPutIgnoresVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		doc, err := s.Create(ctx, mustDocument(t, "widget", "/widgets/a", map[string]int{"n": 0}))
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		doc.Body = []byte(`{"n":5}`)
		doc.Version = 42
		updated, err := s.Put(ctx, doc)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if updated.Version != 2 {
			t.Errorf("expected version 2, got %d", updated.Version)
		}

		if _, err := s.Put(ctx, mustDocument(t, "widget", "/widgets/none", map[string]int{})); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestConcurrentConditionalUpdates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		doc, err := s.Create(ctx, mustDocument(t, "widget", "/widgets/a", map[string]string{"owner": ""}))
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		const writers = 8
		var (
			wg       sync.WaitGroup
			winners  atomic.Int32
			start    = make(chan struct{})
			failures = make(chan error, writers)
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				attempt := doc.Clone()
				attempt.Body = []byte(fmt.Sprintf(`{"owner":"w%d"}`, i))
				_, err := s.ConditionalUpdate(ctx, attempt, doc.Version)
				switch {
				case err == nil:
					winners.Add(1)
				case errors.Is(err, ErrConflict):
				default:
					failures <- err
				}
			}(i)
		}
		close(start)
		wg.Wait()
		close(failures)

		for err := range failures {
			t.Errorf("unexpected error: %v", err)
		}
		if winners.Load() != 1 {
			t.Errorf("expected exactly one winner, got %d", winners.Load())
		}
	})
}

func TestQueryFiltersAndPagination(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for i := 0; i < 7; i++ {
			status := "free"
			if i%2 == 0 {
				status = "used"
			}
			body := map[string]interface{}{
				"status": status,
				"meta":   map[string]string{"zone": fmt.Sprintf("z%d", i%3)},
			}
			if _, err := s.Create(ctx, mustDocument(t, "slot", fmt.Sprintf("/slots/%02d", i), body)); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
		}
		if _, err := s.Create(ctx, mustDocument(t, "other", "/other/1", map[string]string{"status": "used"})); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		page, err := s.Query(ctx, Query{Kind: "slot", Limit: 3})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(page.Documents) != 3 || page.Next != "/slots/02" {
			t.Fatalf("unexpected first page: %d docs, next %q", len(page.Documents), page.Next)
		}

		all, err := QueryAll(ctx, s, Query{Kind: "slot", Limit: 3})
		if err != nil {
			t.Fatalf("QueryAll failed: %v", err)
		}
		if len(all) != 7 {
			t.Errorf("expected 7 slots, got %d", len(all))
		}

		used, err := QueryAll(ctx, s, Query{Kind: "slot"}.Where("status", "used"))
		if err != nil {
			t.Fatalf("QueryAll failed: %v", err)
		}
		if len(used) != 4 {
			t.Errorf("expected 4 used slots, got %d", len(used))
		}

		zoned, err := QueryAll(ctx, s, Query{Kind: "slot"}.Where("status", "used").Where("meta.zone", "z0", "z1"))
		if err != nil {
			t.Fatalf("QueryAll failed: %v", err)
		}
		// used: 0(z0) 2(z2) 4(z1) 6(z0)
		if len(zoned) != 3 {
			t.Errorf("expected 3 zoned slots, got %d", len(zoned))
		}

		if _, err := s.Query(ctx, Query{Kind: "slot"}.Where("status'); DROP TABLE documents; --", "x")); err == nil {
			t.Error("expected invalid field to be rejected")
		}
		if _, err := s.Query(ctx, Query{}); err == nil {
			t.Error("expected missing kind to be rejected")
		}
	})
}

func TestDeleteExpired(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()
		past := now.Add(-time.Minute)
		future := now.Add(time.Hour)

		expired := mustDocument(t, "task", "/tasks/old", map[string]string{})
		expired.ExpiresAt = &past
		live := mustDocument(t, "task", "/tasks/new", map[string]string{})
		live.ExpiresAt = &future
		forever := mustDocument(t, "task", "/tasks/forever", map[string]string{})

		for _, d := range []*Document{expired, live, forever} {
			if _, err := s.Create(ctx, d); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
		}

		n, err := s.DeleteExpired(ctx, now)
		if err != nil {
			t.Fatalf("DeleteExpired failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 expired document, got %d", n)
		}
		if _, err := s.Get(ctx, "/tasks/new"); err != nil {
			t.Errorf("live document removed: %v", err)
		}
		if _, err := s.Get(ctx, "/tasks/forever"); err != nil {
			t.Errorf("document without expiry removed: %v", err)
		}
	})
}

func TestEventJournal(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for _, stage := range []string{"CREATED", "STARTED", "FINISHED"} {
			if err := s.AppendEvent(ctx, &TaskEvent{
				TaskLink: "/tasks/a",
				Stage:    stage,
				SubStage: "0",
				Message:  "transition",
			}); err != nil {
				t.Fatalf("AppendEvent failed: %v", err)
			}
		}
		if err := s.AppendEvent(ctx, &TaskEvent{TaskLink: "/tasks/b", Stage: "CREATED", SubStage: "0", Message: "x"}); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}

		events, err := s.ListEvents(ctx, "/tasks/a", 10, 0)
		if err != nil {
			t.Fatalf("ListEvents failed: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("expected 3 events, got %d", len(events))
		}
		if events[0].Stage != "CREATED" || events[2].Stage != "FINISHED" {
			t.Errorf("events out of order: %s, %s", events[0].Stage, events[2].Stage)
		}

		tail, err := s.ListEvents(ctx, "/tasks/a", 10, 2)
		if err != nil {
			t.Fatalf("ListEvents failed: %v", err)
		}
		if len(tail) != 1 || tail[0].Stage != "FINISHED" {
			t.Errorf("unexpected offset page: %+v", tail)
		}
	})
}
