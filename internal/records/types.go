// Package records locates and aggregates a caller's tide records across
// isolated storage partitions.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no reachable partition holds the record.
	ErrNotFound = errors.New("record not found")
	// ErrDataUnavailable is returned only when every queried partition failed.
	ErrDataUnavailable = errors.New("data unavailable: all partitions failed")
)

// Partition is one isolated object-storage area. Get returns ErrNotFound
// for a missing key; any other error marks the partition unavailable for
// that call.
type Partition interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// PartitionError wraps a failure of a single partition.
type PartitionError struct {
	Partition string
	Err       error
}

func (e *PartitionError) Error() string {
	return fmt.Sprintf("partition %s unavailable: %v", e.Partition, e.Err)
}

func (e *PartitionError) Unwrap() error { return e.Err }

// Record is a read-only copy of one tide record.
type Record struct {
	ID        string          `json:"id"`
	Scope     string          `json:"scope"`
	Partition string          `json:"partition"`
	Body      json.RawMessage `json:"body"`
}

// PartitionInfo describes one partition in caller priority order.
type PartitionInfo struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Primary  bool   `json:"primary"`
}

const recordExt = ".json"

// RecordKey is the object key of a record within its scope.
func RecordKey(scope, id string) string {
	return scopePrefix(scope) + id + recordExt
}

func scopePrefix(scope string) string {
	return strings.Trim(scope, "/") + "/"
}

// idFromKey extracts the record id from an object key listed under prefix.
// Nested keys and non-record objects are skipped.
func idFromKey(prefix, key string) (string, bool) {
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, recordExt) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, prefix), recordExt)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func validSegment(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && !strings.Contains(s, "..")
}
