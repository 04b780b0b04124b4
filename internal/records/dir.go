package records

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// DirPartition serves objects from a directory tree; keys are slash
// separated paths relative to root.
type DirPartition struct {
	name string
	root string
}

func NewDirPartition(name, root string) (*DirPartition, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("dir partition root is required")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("dir partition %s: %w", name, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("dir partition %s: %s is not a directory", name, root)
	}
	return &DirPartition{name: name, root: root}, nil
}

func (p *DirPartition) Name() string { return p.name }

func (p *DirPartition) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := p.resolve(key)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return body, nil
}

// List returns the keys directly under the directory named by prefix.
func (p *DirPartition) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := strings.TrimSuffix(prefix, "/")
	full, err := p.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		keys = append(keys, path.Join(dir, e.Name()))
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *DirPartition) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(p.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}
