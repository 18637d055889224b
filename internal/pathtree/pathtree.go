// Package pathtree implements a set of dot-separated paths stored as a trie.
//
// A Tree answers one question cheaply: does any path in one set lie on the
// same branch as any path in another set? That is the test used to decide
// whether a change under one path affects an observer watching another.
package pathtree

import (
	"slices"
	"strings"

	"github.com/roach88/formstate/internal/valuepath"
)

// Tree is a set of paths with ancestor-aware containment queries.
//
// Trees are built once and then only read. A Tree must not be pushed to
// after it has been handed to another goroutine.
type Tree struct {
	root *node
	size int
}

type node struct {
	children map[string]*node
	terminal bool
}

func newNode() *node {
	return &node{}
}

func (n *node) child(seg string) *node {
	if n.children == nil {
		return nil
	}
	return n.children[seg]
}

func (n *node) ensure(seg string) *node {
	if n.children == nil {
		n.children = make(map[string]*node)
	}
	c := n.children[seg]
	if c == nil {
		c = newNode()
		n.children[seg] = c
	}
	return c
}

// New creates a tree holding the given paths.
func New(paths ...string) *Tree {
	t := &Tree{root: newNode()}
	for _, p := range paths {
		t.Push(p)
	}
	return t
}

// Push inserts path. The empty path marks the root, which covers every path.
// Returns false if the path was already present.
func (t *Tree) Push(path string) bool {
	if t.root == nil {
		t.root = newNode()
	}
	n := t.root
	for _, seg := range valuepath.Split(path) {
		n = n.ensure(seg)
	}
	if n.terminal {
		return false
	}
	n.terminal = true
	t.size++
	return true
}

// Len returns the number of distinct paths in the tree.
func (t *Tree) Len() int {
	if t == nil {
		return 0
	}
	return t.size
}

// Contains reports whether path was pushed exactly.
func (t *Tree) Contains(path string) bool {
	if t == nil || t.root == nil {
		return false
	}
	n := t.root
	for _, seg := range valuepath.Split(path) {
		if n = n.child(seg); n == nil {
			return false
		}
	}
	return n.terminal
}

// Includes reports whether some path in t and some path in other are equal
// or one is an ancestor of the other. The relation is symmetric.
func (t *Tree) Includes(other *Tree) bool {
	if t == nil || other == nil || t.root == nil || other.root == nil {
		return false
	}
	if t.size == 0 || other.size == 0 {
		return false
	}
	return overlaps(t.root, other.root)
}

// overlaps walks both tries along shared segments. Every non-root node lies
// on at least one path, so reaching a terminal node on either side means one
// path is a prefix of the other.
func overlaps(a, b *node) bool {
	if a.terminal || b.terminal {
		return true
	}
	if len(a.children) > len(b.children) {
		a, b = b, a
	}
	for seg, ca := range a.children {
		if cb := b.child(seg); cb != nil && overlaps(ca, cb) {
			return true
		}
	}
	return false
}

// Paths returns the paths in the tree in lexical order.
func (t *Tree) Paths() []string {
	if t == nil || t.root == nil {
		return nil
	}
	out := make([]string, 0, t.size)
	var walk func(n *node, prefix []string)
	walk = func(n *node, prefix []string) {
		if n.terminal {
			out = append(out, strings.Join(prefix, valuepath.Separator))
		}
		for seg, c := range n.children {
			walk(c, append(prefix, seg))
		}
	}
	walk(t.root, make([]string, 0, 8))
	slices.Sort(out)
	return out
}

// String renders the tree as a comma-separated path list.
func (t *Tree) String() string {
	return strings.Join(t.Paths(), ",")
}

// PushPrefix returns a new tree holding every path of t under prefix.
// The receiver is left untouched.
func PushPrefix(prefix string, t *Tree) *Tree {
	out := New()
	anchor := out.root
	for _, seg := range valuepath.Split(prefix) {
		anchor = anchor.ensure(seg)
	}
	if t == nil || t.root == nil {
		return out
	}
	graft(anchor, t.root)
	out.size = t.size
	return out
}

func graft(dst, src *node) {
	dst.terminal = dst.terminal || src.terminal
	for seg, c := range src.children {
		graft(dst.ensure(seg), c)
	}
}

// Merge pushes every path of other into t.
func (t *Tree) Merge(other *Tree) {
	for _, p := range other.Paths() {
		t.Push(p)
	}
}
