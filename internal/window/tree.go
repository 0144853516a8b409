// Package window is a minimal in-memory window hierarchy: enough of a tree for
// routing to walk ancestors and for grabs to check viewability.
package window

import (
	"slices"

	"github.com/bnema/xigrab/internal/protocol"
	"github.com/jezek/xgb/xproto"
)

// Window is one node of the tree.
type Window struct {
	ID       xproto.Window
	Parent   xproto.Window
	Mapped   bool
	children []xproto.Window
}

// Tree holds every window under a single root.
type Tree struct {
	root    xproto.Window
	windows map[xproto.Window]*Window
}

// NewTree creates a tree holding only the (always mapped) root window.
func NewTree(root xproto.Window) *Tree {
	return &Tree{
		root: root,
		windows: map[xproto.Window]*Window{
			root: {ID: root, Parent: xproto.WindowNone, Mapped: true},
		},
	}
}

// Lookup returns the window with id, failing BadWindow if there is none.
func (t *Tree) Lookup(id xproto.Window) (*Window, error) {
	w, ok := t.windows[id]
	if !ok {
		return nil, protocol.NewError("WindowLookup", protocol.BadWindow, uint32(id))
	}
	return w, nil
}

// Exists reports whether id names a live window.
func (t *Tree) Exists(id xproto.Window) bool {
	_, ok := t.windows[id]
	return ok
}

// Create adds id as the topmost child of parent.
func (t *Tree) Create(id, parent xproto.Window, mapped bool) error {
	if id == xproto.WindowNone {
		return protocol.NewError("CreateWindow", protocol.BadValue, uint32(id))
	}
	if _, ok := t.windows[id]; ok {
		return protocol.NewError("CreateWindow", protocol.BadAccess, uint32(id))
	}
	p, err := t.Lookup(parent)
	if err != nil {
		return err
	}
	t.windows[id] = &Window{ID: id, Parent: parent, Mapped: mapped}
	p.children = append(p.children, id)
	return nil
}

// SetMapped maps or unmaps id.
func (t *Tree) SetMapped(id xproto.Window, mapped bool) error {
	w, err := t.Lookup(id)
	if err != nil {
		return err
	}
	if id != t.root {
		w.Mapped = mapped
	}
	return nil
}

// Parent returns the parent of id. The root has none.
func (t *Tree) Parent(id xproto.Window) (xproto.Window, bool) {
	w, ok := t.windows[id]
	if !ok || id == t.root {
		return xproto.WindowNone, false
	}
	return w.Parent, true
}

// Root returns the root window.
func (t *Tree) Root() xproto.Window {
	return t.root
}

// IsRoot reports whether id is the root window.
func (t *Tree) IsRoot(id xproto.Window) bool {
	return id == t.root
}

// Viewable reports whether id and all its ancestors are mapped.
func (t *Tree) Viewable(id xproto.Window) bool {
	for cur := id; ; {
		w, ok := t.windows[cur]
		if !ok || !w.Mapped {
			return false
		}
		if cur == t.root {
			return true
		}
		cur = w.Parent
	}
}

// Path returns id followed by each of its ancestors up to the root.
func (t *Tree) Path(id xproto.Window) []xproto.Window {
	var out []xproto.Window
	for cur := id; ; {
		w, ok := t.windows[cur]
		if !ok {
			return out
		}
		out = append(out, cur)
		if cur == t.root {
			return out
		}
		cur = w.Parent
	}
}

// Destroy removes id and its subtree. It returns the removed windows, every
// child before its parent. The root cannot be destroyed.
func (t *Tree) Destroy(id xproto.Window) ([]xproto.Window, error) {
	w, err := t.Lookup(id)
	if err != nil {
		return nil, err
	}
	if id == t.root {
		return nil, protocol.NewError("DestroyWindow", protocol.BadAccess, uint32(id))
	}

	var gone []xproto.Window
	var walk func(*Window)
	walk = func(n *Window) {
		for i := len(n.children) - 1; i >= 0; i-- {
			walk(t.windows[n.children[i]])
		}
		gone = append(gone, n.ID)
	}
	walk(w)

	if p := t.windows[w.Parent]; p != nil {
		p.children = slices.DeleteFunc(p.children, func(c xproto.Window) bool { return c == id })
	}
	for _, g := range gone {
		delete(t.windows, g)
	}
	return gone, nil
}

// Windows lists every window by ascending id.
func (t *Tree) Windows() []*Window {
	out := make([]*Window, 0, len(t.windows))
	for _, w := range t.windows {
		out = append(out, w)
	}
	slices.SortFunc(out, func(a, b *Window) int { return int(a.ID) - int(b.ID) })
	return out
}
