// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quark

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Namespace is a tree of generated stubs addressed by dotted paths such as
// "app.users.svc.get". Registering a path only adds missing nodes. A
// Namespace may be shared by several engines through WithRegistry; each
// stub remembers the engine that created it.
type Namespace struct {
	mu   sync.RWMutex
	root *node
}

type node struct {
	children map[string]*node
	stubs    map[string]*Stub
}

func newNode() *node {
	return &node{children: make(map[string]*node), stubs: make(map[string]*Stub)}
}

// NewNamespace creates an empty tree.
func NewNamespace() *Namespace {
	return &Namespace{root: newNode()}
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// attach walks or creates the nodes of path and stores s under its name,
// replacing a stub of the same name.
func (ns *Namespace) attach(path []string, s *Stub) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	n := ns.root
	for _, seg := range path {
		child, ok := n.children[seg]
		if !ok {
			child = newNode()
			n.children[seg] = child
		}
		n = child
	}
	n.stubs[s.Name] = s
}

// detach removes the stubs created by owner and prunes nodes left empty.
func (ns *Namespace) detach(owner string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	prune(ns.root, owner)
}

func prune(n *node, owner string) bool {
	for name, s := range n.stubs {
		if s.owner == owner {
			delete(n.stubs, name)
		}
	}
	for seg, child := range n.children {
		if prune(child, owner) {
			delete(n.children, seg)
		}
	}
	return len(n.stubs) == 0 && len(n.children) == 0
}

// Lookup returns the stub at path.
func (ns *Namespace) Lookup(path string) (*Stub, bool) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, false
	}
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	n := ns.root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := n.children[seg]
		if !ok {
			return nil, false
		}
		n = child
	}
	s, ok := n.stubs[segs[len(segs)-1]]
	return s, ok
}

// Call invokes the stub at path and waits for its result.
func (ns *Namespace) Call(ctx context.Context, path string, args ...any) (*Result, error) {
	s, ok := ns.Lookup(path)
	if !ok {
		return nil, newError(ErrHandleMissing, "no method "+path, nil)
	}
	return s.Call(ctx, args...)
}

// Methods returns the full paths of all stubs, sorted.
func (ns *Namespace) Methods() []string {
	var out []string
	ns.walk(func(prefix string, n *node) {
		for name := range n.stubs {
			out = append(out, join(prefix, name))
		}
	})
	sort.Strings(out)
	return out
}

// Namespaces returns the paths of all interior nodes, sorted.
func (ns *Namespace) Namespaces() []string {
	var out []string
	ns.walk(func(prefix string, _ *node) {
		if prefix != "" {
			out = append(out, prefix)
		}
	})
	sort.Strings(out)
	return out
}

// Empty reports whether the tree holds no nodes.
func (ns *Namespace) Empty() bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.root.children) == 0 && len(ns.root.stubs) == 0
}

func (ns *Namespace) walk(fn func(prefix string, n *node)) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	var visit func(prefix string, n *node)
	visit = func(prefix string, n *node) {
		fn(prefix, n)
		for seg, child := range n.children {
			visit(join(prefix, seg), child)
		}
	}
	visit("", ns.root)
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
