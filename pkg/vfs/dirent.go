// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vfs

// DirentFlags (spec.md §3 "flags (refers-to-controlling-tty,
// pts-locked)").
type DirentFlags uint32

const (
	DirentCTTY DirentFlags = 1 << iota
	DirentPTSLocked
)

// Dirent is a node in the path-cache tree (spec.md §3 "Dirent"): a
// hand-rolled intrusive tree with an explicit parent pointer and a
// doubly-linked sibling list, giving O(1) removal when a dirent is
// reparented or evicted without a tree rebalance — the Design Notes'
// rationale for not reusing the VMM's btree here.
type Dirent struct {
	Name  string
	Vnode *Vnode
	Flags DirentFlags

	parent *Dirent

	firstChild *Dirent
	lastChild  *Dirent
	childCount int

	prevSibling *Dirent
	nextSibling *Dirent
}

// NewDirent builds a detached dirent; link it under a parent with
// addChild.
func NewDirent(name string, vn *Vnode) *Dirent {
	return &Dirent{Name: name, Vnode: vn}
}

func (d *Dirent) Parent() *Dirent { return d.parent }

// Path reconstructs d's full path by walking parent links to the root,
// the same traversal Table.Getcwd performs for a process's working
// directory (the dirent cache tracks parent/name links only, never a
// cached full path).
func (d *Dirent) Path() string {
	var comps []string
	for n := d; n != nil && n.Name != "/"; n = n.parent {
		comps = append([]string{n.Name}, comps...)
	}
	path := "/"
	for i, c := range comps {
		if i > 0 {
			path += "/"
		}
		path += c
	}
	return path
}

func (d *Dirent) ChildCount() int { return d.childCount }

// addChild appends child to d's sibling list under the tree's lock
// (callers hold the cache-wide mount/tree lock; Dirent itself has no
// lock of its own, matching the teacher's pattern of one outer lock
// guarding an intrusive structure rather than per-node locks).
func (d *Dirent) addChild(child *Dirent) {
	child.parent = d
	child.prevSibling = d.lastChild
	child.nextSibling = nil
	if d.lastChild != nil {
		d.lastChild.nextSibling = child
	} else {
		d.firstChild = child
	}
	d.lastChild = child
	d.childCount++
}

// removeChild unlinks child from d's sibling list in O(1).
func (d *Dirent) removeChild(child *Dirent) {
	if child.prevSibling != nil {
		child.prevSibling.nextSibling = child.nextSibling
	} else {
		d.firstChild = child.nextSibling
	}
	if child.nextSibling != nil {
		child.nextSibling.prevSibling = child.prevSibling
	} else {
		d.lastChild = child.prevSibling
	}
	child.parent = nil
	child.prevSibling = nil
	child.nextSibling = nil
	d.childCount--
}

// childByName walks the sibling list for an exact or driver-supplied
// comparator match (spec.md §4.5: "case-sensitive by default but calls
// the driver's string comparator if provided").
func (d *Dirent) childByName(name string, cmp func(a, b string) bool) *Dirent {
	for c := d.firstChild; c != nil; c = c.nextSibling {
		if cmp != nil {
			if cmp(c.Name, name) {
				return c
			}
			continue
		}
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Children returns a snapshot slice of d's children, oldest-registered
// first.
func (d *Dirent) Children() []*Dirent {
	out := make([]*Dirent, 0, d.childCount)
	for c := d.firstChild; c != nil; c = c.nextSibling {
		out = append(out, c)
	}
	return out
}
