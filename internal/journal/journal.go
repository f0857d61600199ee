// Package journal keeps a queryable record of recent gateway requests.
package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned when writing to a closed store or publisher.
var ErrClosed = errors.New("journal: closed")

// Entry is one completed request.
type Entry struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"requestId"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	Status      int       `json:"status"`
	DurationMs  float64   `json:"durationMs"`
	Client      string    `json:"client"`
	Environment string    `json:"environment"`
	Credential  string    `json:"credential"`
	Service     string    `json:"service,omitempty"`
	ErrorCode   string    `json:"errorCode,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Query filters Recent. Zero values match everything.
type Query struct {
	Limit       int
	Service     string
	Environment string
}

// DefaultLimit applies when Query.Limit is not positive.
const DefaultLimit = 50

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}

func (q Query) match(e *Entry) bool {
	if q.Service != "" && e.Service != q.Service {
		return false
	}
	if q.Environment != "" && e.Environment != q.Environment {
		return false
	}
	return true
}

// Store persists entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	// Recent returns matching entries, newest first.
	Recent(ctx context.Context, q Query) ([]*Entry, error)
	Close() error
}

// prepare fills generated fields.
func prepare(e *Entry) {
	if e.ID == "" {
		e.ID = "jrn_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
}

// Store types.
const (
	TypeMemory = "memory"
	TypeSQLite = "sqlite"
	TypeNone   = "none"
)

// Open creates the store named by storeType. TypeNone returns a nil store.
func Open(storeType, path string, capacity int) (Store, error) {
	switch storeType {
	case "", TypeMemory:
		return NewMemoryStore(capacity), nil
	case TypeSQLite:
		s, err := NewSQLiteStore(path, capacity)
		if err != nil {
			return nil, err
		}
		return s, nil
	case TypeNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown journal type %q", storeType)
	}
}
