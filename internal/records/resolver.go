package records

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/tides/internal/identity"
)

const DefaultPartitionTimeout = 2 * time.Second

// FailureHook observes partitions skipped during resolution.
type FailureHook func(partition string, err error)

// Resolver reads records across partitions in a fixed priority order: the
// caller's primary partition first, then the remaining partitions in the
// order they were configured. It never retries a partition within a call.
type Resolver struct {
	partitions []Partition
	byName     map[string]Partition
	timeout    time.Duration
	logger     *zap.Logger
	onFailure  FailureHook
}

type Option func(*Resolver)

// WithPartitionTimeout bounds every single partition call.
func WithPartitionTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithFailureHook(h FailureHook) Option {
	return func(r *Resolver) {
		r.onFailure = h
	}
}

func NewResolver(partitions []Partition, opts ...Option) (*Resolver, error) {
	if len(partitions) == 0 {
		return nil, errors.New("resolver requires at least one partition")
	}
	r := &Resolver{
		byName:  make(map[string]Partition, len(partitions)),
		timeout: DefaultPartitionTimeout,
		logger:  zap.NewNop(),
	}
	for _, p := range partitions {
		if p == nil {
			return nil, errors.New("resolver partition is nil")
		}
		if _, dup := r.byName[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate partition %q", p.Name())
		}
		r.byName[p.Name()] = p
		r.partitions = append(r.partitions, p)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// order returns the partitions the caller may read, primary first.
func (r *Resolver) order(caller identity.Caller) []Partition {
	out := make([]Partition, 0, len(r.partitions))
	primary, ok := r.byName[caller.PrimaryPartition]
	if ok && caller.CanAccess(primary.Name()) {
		out = append(out, primary)
	}
	for _, p := range r.partitions {
		if ok && p == primary {
			continue
		}
		if caller.CanAccess(p.Name()) {
			out = append(out, p)
		}
	}
	return out
}

// DescribePartitions lists partitions in the caller's priority order.
func (r *Resolver) DescribePartitions(caller identity.Caller) []PartitionInfo {
	ordered := r.order(caller)
	out := make([]PartitionInfo, 0, len(ordered))
	for i, p := range ordered {
		out = append(out, PartitionInfo{
			Name:     p.Name(),
			Priority: i,
			Primary:  i == 0,
		})
	}
	return out
}

// FetchOne reads a record from the caller's highest-priority partition only.
func (r *Resolver) FetchOne(ctx context.Context, caller identity.Caller, scope, id string) (Record, error) {
	if !validSegment(scope) || !validSegment(id) {
		return Record{}, ErrNotFound
	}
	ordered := r.order(caller)
	if len(ordered) == 0 {
		return Record{}, ErrDataUnavailable
	}
	p := ordered[0]
	body, err := r.get(ctx, p, RecordKey(scope, id))
	if err == nil {
		return Record{ID: id, Scope: scope, Partition: p.Name(), Body: body}, nil
	}
	if errors.Is(err, ErrNotFound) {
		return Record{}, ErrNotFound
	}
	r.skip(p.Name(), err)
	return Record{}, fmt.Errorf("%w: %w", ErrDataUnavailable, &PartitionError{Partition: p.Name(), Err: err})
}

// FetchAny walks partitions in priority order and stops at the first hit;
// later partitions are not queried.
func (r *Resolver) FetchAny(ctx context.Context, caller identity.Caller, scope, id string) (Record, error) {
	if !validSegment(scope) || !validSegment(id) {
		return Record{}, ErrNotFound
	}
	ordered := r.order(caller)
	key := RecordKey(scope, id)
	failures := 0
	for _, p := range ordered {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}
		body, err := r.get(ctx, p, key)
		if err == nil {
			return Record{ID: id, Scope: scope, Partition: p.Name(), Body: body}, nil
		}
		if errors.Is(err, ErrNotFound) {
			continue
		}
		failures++
		r.skip(p.Name(), err)
	}
	if failures == len(ordered) {
		return Record{}, ErrDataUnavailable
	}
	return Record{}, ErrNotFound
}

// ListAll returns the deduplicated, sorted union of record ids in scope.
// Partitions are queried concurrently and the call joins all of them.
func (r *Resolver) ListAll(ctx context.Context, caller identity.Caller, scope string) ([]string, error) {
	if !validSegment(scope) {
		return nil, nil
	}
	ordered := r.order(caller)
	prefix := scopePrefix(scope)
	perPartition := make([][]string, len(ordered))
	ok := make([]bool, len(ordered))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range ordered {
		g.Go(func() error {
			keys, err := r.list(gctx, p, prefix)
			if err != nil {
				r.skip(p.Name(), err)
				return nil
			}
			ids := make([]string, 0, len(keys))
			for _, k := range keys {
				if id, isRecord := idFromKey(prefix, k); isRecord {
					ids = append(ids, id)
				}
			}
			perPartition[i] = ids
			ok[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !anyTrue(ok) {
		return nil, ErrDataUnavailable
	}

	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, ids := range perPartition {
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ListRecords loads every record in scope from every reachable partition.
// When the same id exists in more than one partition the copy from the
// higher-priority partition wins, whatever its content.
func (r *Resolver) ListRecords(ctx context.Context, caller identity.Caller, scope string) ([]Record, error) {
	if !validSegment(scope) {
		return nil, nil
	}
	ordered := r.order(caller)
	prefix := scopePrefix(scope)
	perPartition := make([][]Record, len(ordered))
	ok := make([]bool, len(ordered))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range ordered {
		g.Go(func() error {
			keys, err := r.list(gctx, p, prefix)
			if err != nil {
				r.skip(p.Name(), err)
				return nil
			}
			recs := make([]Record, 0, len(keys))
			for _, k := range keys {
				id, isRecord := idFromKey(prefix, k)
				if !isRecord {
					continue
				}
				body, err := r.get(gctx, p, k)
				if errors.Is(err, ErrNotFound) {
					// Deleted between list and get.
					continue
				}
				if err != nil {
					r.skip(p.Name(), err)
					return nil
				}
				recs = append(recs, Record{ID: id, Scope: scope, Partition: p.Name(), Body: body})
			}
			perPartition[i] = recs
			ok[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !anyTrue(ok) {
		return nil, ErrDataUnavailable
	}

	seen := make(map[string]struct{})
	out := make([]Record, 0)
	for _, recs := range perPartition {
		for _, rec := range recs {
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			seen[rec.ID] = struct{}{}
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Resolver) get(ctx context.Context, p Partition, key string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return p.Get(callCtx, key)
}

func (r *Resolver) list(ctx context.Context, p Partition, prefix string) ([]string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return p.List(callCtx, prefix)
}

func (r *Resolver) skip(partition string, err error) {
	r.logger.Warn("partition skipped",
		zap.String("partition", partition),
		zap.Error(err),
	)
	if r.onFailure != nil {
		r.onFailure(partition, err)
	}
}

func anyTrue(v []bool) bool {
	for _, b := range v {
		if b {
			return true
		}
	}
	return false
}
