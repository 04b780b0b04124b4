package records

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// DefaultPartitions is used when no partition layout is configured.
const DefaultPartitions = "primary=mem:,replica=mem:"

// OpenPartitions builds partitions from a comma separated list of
// name=uri pairs. Supported uris: "mem:", "dir:/path", "sqlite:/path.db".
// The returned closer releases every partition that holds resources.
func OpenPartitions(ctx context.Context, spec string) ([]Partition, io.Closer, error) {
	if strings.TrimSpace(spec) == "" {
		spec = DefaultPartitions
	}
	var (
		out     []Partition
		closers multiCloser
	)
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, uri, ok := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			closers.Close()
			return nil, nil, fmt.Errorf("invalid partition %q (expected name=uri)", item)
		}
		scheme, target, _ := strings.Cut(strings.TrimSpace(uri), ":")
		switch scheme {
		case "mem":
			out = append(out, NewMemoryPartition(name))
		case "dir":
			p, err := NewDirPartition(name, target)
			if err != nil {
				closers.Close()
				return nil, nil, err
			}
			out = append(out, p)
		case "sqlite":
			p, err := NewSQLitePartition(ctx, name, target)
			if err != nil {
				closers.Close()
				return nil, nil, err
			}
			out = append(out, p)
			closers = append(closers, p)
		default:
			closers.Close()
			return nil, nil, fmt.Errorf("unsupported partition scheme %q for %s", scheme, name)
		}
	}
	if len(out) == 0 {
		return nil, nil, fmt.Errorf("no partitions configured")
	}
	return out, closers, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
