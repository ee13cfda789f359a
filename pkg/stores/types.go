package stores

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned by ConditionalUpdate when the stored version
	// no longer matches the expected version.
	ErrConflict = errors.New("document version conflict")
)

// Document is a versioned JSON document identified by a stable link.
type Document struct {
	Link      string          `json:"link"`
	Kind      string          `json:"kind"`
	Body      json.RawMessage `json:"body"`
	Version   int64           `json:"version"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Body = append(json.RawMessage(nil), d.Body...)
	if d.ExpiresAt != nil {
		t := *d.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Decode unmarshals the document body into v.
func (d *Document) Decode(v interface{}) error {
	return json.Unmarshal(d.Body, v)
}

// NewDocument marshals body into a document of the given kind.
func NewDocument(kind, link string, body interface{}) (*Document, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Document{Link: link, Kind: kind, Body: raw}, nil
}

// FieldFilter matches documents whose top-level or dotted body field equals
// one of Values.
type FieldFilter struct {
	Field  string
	Values []string
}

// Query selects documents of one kind. Results are ordered by link and
// paginated with the After cursor.
type Query struct {
	Kind    string
	Filters []FieldFilter
	Limit   int
	After   string
}

// Where returns a copy of q with an additional equality filter.
func (q Query) Where(field string, values ...string) Query {
	filters := make([]FieldFilter, 0, len(q.Filters)+1)
	filters = append(filters, q.Filters...)
	q.Filters = append(filters, FieldFilter{Field: field, Values: values})
	return q
}

// QueryPage is one page of query results. Next is empty on the last page.
type QueryPage struct {
	Documents []*Document
	Next      string
}

// DefaultPageSize is used when a query does not set a limit.
const DefaultPageSize = 100

// TaskEvent is an append-only journal entry for a task transition.
type TaskEvent struct {
	ID        int64     `json:"id"`
	TaskLink  string    `json:"task_link"`
	Stage     string    `json:"stage"`
	SubStage  string    `json:"sub_stage"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// DocumentStore is the resource store client used by the task runtime and
// the address allocator.
type DocumentStore interface {
	// Get returns the document at link or ErrNotFound.
	Get(ctx context.Context, link string) (*Document, error)

	// Create inserts the document. If a document already exists at the same
	// link, the existing document is returned unchanged.
	Create(ctx context.Context, doc *Document) (*Document, error)

	// ConditionalUpdate replaces the body only if the stored version equals
	// expectedVersion. It returns ErrConflict otherwise.
	ConditionalUpdate(ctx context.Context, doc *Document, expectedVersion int64) (*Document, error)

	// Put replaces the body of an existing document regardless of version.
	Put(ctx context.Context, doc *Document) (*Document, error)

	Delete(ctx context.Context, link string) error
	Query(ctx context.Context, q Query) (*QueryPage, error)

	// DeleteExpired removes documents whose expiration is at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// EventJournal stores task transition events.
type EventJournal interface {
	AppendEvent(ctx context.Context, event *TaskEvent) error
	ListEvents(ctx context.Context, taskLink string, limit, offset int) ([]*TaskEvent, error)
}

// Store defines the interface for the persistence layer
type Store interface {
	DocumentStore
	EventJournal

	HealthCheck(ctx context.Context) error
	Close() error
}

// QueryAll follows the pagination cursor until every matching document has
// been read.
func QueryAll(ctx context.Context, s DocumentStore, q Query) ([]*Document, error) {
	var all []*Document
	for {
		page, err := s.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Documents...)
		if page.Next == "" {
			return all, nil
		}
		q.After = page.Next
	}
}
