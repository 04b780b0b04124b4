// Package identity carries the verified caller resolved by the gateway.
package identity

import (
	"errors"
	"net/http"
	"strings"
)

const (
	HeaderCallerID         = "X-Caller-ID"
	HeaderCallerPartition  = "X-Caller-Partition"
	HeaderCallerPartitions = "X-Caller-Partitions"
)

var ErrMissingCaller = errors.New("caller identity missing")

// Caller is an opaque caller id plus its partition-access scope. It lives
// for one request only and is never persisted.
type Caller struct {
	ID               string   `json:"id"`
	PrimaryPartition string   `json:"primary_partition,omitempty"`
	Partitions       []string `json:"partitions,omitempty"`
}

// CanAccess reports whether the caller may read the named partition. An
// empty access list means every partition.
func (c Caller) CanAccess(partition string) bool {
	if len(c.Partitions) == 0 {
		return true
	}
	for _, p := range c.Partitions {
		if p == partition {
			return true
		}
	}
	return partition == c.PrimaryPartition
}

// FromHeaders reads the identity the trusted gateway forwarded.
func FromHeaders(h http.Header) (Caller, error) {
	id := strings.TrimSpace(h.Get(HeaderCallerID))
	if id == "" {
		return Caller{}, ErrMissingCaller
	}
	c := Caller{
		ID:               id,
		PrimaryPartition: strings.TrimSpace(h.Get(HeaderCallerPartition)),
	}
	for _, p := range strings.Split(h.Get(HeaderCallerPartitions), ",") {
		if p = strings.TrimSpace(p); p != "" {
			c.Partitions = append(c.Partitions, p)
		}
	}
	return c, nil
}
