package bookmarks

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/bytedance/sonic"
)

// Node is one entry of the external bookmark tree. Folders have no URL.
type Node struct {
	ID        string
	Title     string
	URL       string
	DateAdded int64
	ParentID  string
	Children  []*Node
}

// IsFolder reports whether n is a folder.
func (n *Node) IsFolder() bool { return n.URL == "" }

// Source is the source of truth the cache mirrors.
type Source interface {
	// Tree returns the root nodes of the full tree.
	Tree(ctx context.Context) ([]*Node, error)
	// Recent returns up to n most recently added bookmarks.
	Recent(ctx context.Context, n int) ([]*Node, error)
}

// StaticSource serves an in-memory tree. SetTree swaps it atomically.
type StaticSource struct {
	mu    sync.RWMutex
	roots []*Node
	err   error
}

func NewStaticSource(roots ...*Node) *StaticSource { return &StaticSource{roots: roots} }

func (s *StaticSource) SetTree(roots ...*Node) {
	s.mu.Lock()
	s.roots = roots
	s.mu.Unlock()
}

// SetError makes Tree fail with err until cleared with nil. Recent keeps working.
func (s *StaticSource) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *StaticSource) Tree(context.Context) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.roots, nil
}

func (s *StaticSource) Recent(_ context.Context, n int) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return recent(s.roots, n), nil
}

func recent(roots []*Node, n int) []*Node {
	leaves := flatten(roots)
	if n >= 0 && len(leaves) > n {
		leaves = leaves[:n]
	}
	return leaves
}

// flatten collects the leaves under roots, newest first. Ties keep tree order.
func flatten(roots []*Node) []*Node {
	var out []*Node
	var walk func(ns []*Node)
	walk = func(ns []*Node) {
		for _, n := range ns {
			if n == nil {
				continue
			}
			if n.IsFolder() {
				walk(n.Children)
				continue
			}
			out = append(out, n)
		}
	}
	walk(roots)
	sort.SliceStable(out, func(i, j int) bool { return out[i].DateAdded > out[j].DateAdded })
	return out
}

// FileSource reads a Chromium profile "Bookmarks" file on every call.
type FileSource struct {
	Path string
}

func NewFileSource(path string) *FileSource { return &FileSource{Path: path} }

type chromiumFile struct {
	Roots map[string]*chromiumNode `json:"roots"`
}

type chromiumNode struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	URL       string          `json:"url"`
	DateAdded string          `json:"date_added"`
	Children  []*chromiumNode `json:"children"`
}

// Chromium timestamps count microseconds since 1601-01-01 UTC.
const windowsToUnixMs = 11644473600000

var chromiumRoots = []string{"bookmark_bar", "other", "synced"}

func (f *FileSource) Tree(ctx context.Context) ([]*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("bookmarks: read %s: %w", f.Path, err)
	}
	var doc chromiumFile
	if err := sonic.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("bookmarks: decode %s: %w", f.Path, err)
	}
	var roots []*Node
	for _, name := range chromiumRoots {
		if cn, ok := doc.Roots[name]; ok && cn != nil {
			roots = append(roots, convert(cn, ""))
		}
	}
	return roots, nil
}

func (f *FileSource) Recent(ctx context.Context, n int) ([]*Node, error) {
	roots, err := f.Tree(ctx)
	if err != nil {
		return nil, err
	}
	return recent(roots, n), nil
}

func convert(cn *chromiumNode, parent string) *Node {
	n := &Node{ID: cn.ID, Title: cn.Name, ParentID: parent, DateAdded: chromiumTime(cn.DateAdded)}
	if cn.Type == "url" {
		n.URL = cn.URL
		return n
	}
	for _, c := range cn.Children {
		if c != nil {
			n.Children = append(n.Children, convert(c, cn.ID))
		}
	}
	return n
}

func chromiumTime(s string) int64 {
	us, err := strconv.ParseInt(s, 10, 64)
	if err != nil || us <= 0 {
		return 0
	}
	return us/1000 - windowsToUnixMs
}
