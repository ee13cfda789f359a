package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store. Each mutation is linearized by a
// single mutex, which gives it the same per-document guarantees as
// SQLiteStore.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]*Document
	events []*TaskEvent
	nextID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]*Document),
	}
}

// Get returns a copy of the document at link.
func (m *MemoryStore) Get(_ context.Context, link string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[link]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, link)
	}
	return doc.Clone(), nil
}

// Create stores the document unless one already exists at its link.
func (m *MemoryStore) Create(_ context.Context, doc *Document) (*Document, error) {
	if doc.Link == "" || doc.Kind == "" {
		return nil, fmt.Errorf("document link and kind are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.docs[doc.Link]; ok {
		return existing.Clone(), nil
	}

	now := time.Now().UTC()
	stored := doc.Clone()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.docs[doc.Link] = stored

	return stored.Clone(), nil
}

// ConditionalUpdate replaces the body when the version matches.
func (m *MemoryStore) ConditionalUpdate(_ context.Context, doc *Document, expectedVersion int64) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.docs[doc.Link]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, doc.Link)
	}
	if existing.Version != expectedVersion {
		return nil, fmt.Errorf("%w: %s (expected version %d, found %d)",
			ErrConflict, doc.Link, expectedVersion, existing.Version)
	}

	return m.replaceLocked(existing, doc), nil
}

// Put replaces the body without a version check.
func (m *MemoryStore) Put(_ context.Context, doc *Document) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.docs[doc.Link]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, doc.Link)
	}

	return m.replaceLocked(existing, doc), nil
}

func (m *MemoryStore) replaceLocked(existing, doc *Document) *Document {
	updated := existing.Clone()
	updated.Body = append(json.RawMessage(nil), doc.Body...)
	updated.ExpiresAt = nil
	if doc.ExpiresAt != nil {
		t := *doc.ExpiresAt
		updated.ExpiresAt = &t
	}
	updated.Version = existing.Version + 1
	updated.UpdatedAt = time.Now().UTC()
	m.docs[doc.Link] = updated
	return updated.Clone()
}

// Delete removes the document at link.
func (m *MemoryStore) Delete(_ context.Context, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[link]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, link)
	}
	delete(m.docs, link)
	return nil
}

// Query returns documents of q.Kind ordered by link.
func (m *MemoryStore) Query(_ context.Context, q Query) (*QueryPage, error) {
	if q.Kind == "" {
		return nil, fmt.Errorf("query kind is required")
	}
	for _, f := range q.Filters {
		if !fieldPattern.MatchString(f.Field) {
			return nil, fmt.Errorf("invalid filter field: %q", f.Field)
		}
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	links := make([]string, 0, len(m.docs))
	for link, doc := range m.docs {
		if doc.Kind == q.Kind && link > q.After {
			links = append(links, link)
		}
	}
	sort.Strings(links)

	page := &QueryPage{}
	for _, link := range links {
		doc := m.docs[link]
		if !matchesFilters(doc, q.Filters) {
			continue
		}
		if len(page.Documents) == limit {
			page.Next = page.Documents[limit-1].Link
			break
		}
		page.Documents = append(page.Documents, doc.Clone())
	}

	return page, nil
}

// DeleteExpired removes documents that expired at or before now.
func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for link, doc := range m.docs {
		if doc.ExpiresAt != nil && !doc.ExpiresAt.After(now) {
			delete(m.docs, link)
			n++
		}
	}
	return n, nil
}

// AppendEvent appends to the in-memory journal.
func (m *MemoryStore) AppendEvent(_ context.Context, event *TaskEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	event.ID = m.nextID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	c := *event
	m.events = append(m.events, &c)
	return nil
}

// ListEvents returns events recorded for taskLink.
func (m *MemoryStore) ListEvents(_ context.Context, taskLink string, limit, offset int) ([]*TaskEvent, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	events := []*TaskEvent{}
	skipped := 0
	for _, e := range m.events {
		if e.TaskLink != taskLink {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(events) == limit {
			break
		}
		c := *e
		events = append(events, &c)
	}
	return events, nil
}

// HealthCheck always succeeds.
func (m *MemoryStore) HealthCheck(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func matchesFilters(doc *Document, filters []FieldFilter) bool {
	if len(filters) == 0 {
		return true
	}

	var body map[string]interface{}
	if err := json.Unmarshal(doc.Body, &body); err != nil {
		return false
	}

	for _, f := range filters {
		value, ok := lookupField(body, f.Field)
		if !ok {
			return false
		}
		matched := false
		for _, want := range f.Values {
			if value == want {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func lookupField(body map[string]interface{}, path string) (string, bool) {
	var current interface{} = body
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return "", false
		}
		current, ok = obj[part]
		if !ok {
			return "", false
		}
	}

	// Filters compare text values only, matching json_extract in SQLite.
	s, ok := current.(string)
	return s, ok
}
