// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vmm

// This file holds the intrusive doubly-linked list operations for the
// working-set and referenced lists (spec.md §3: "doubly-linked 'working
// set' and 'referenced' list nodes"), plus the copy-on-write sibling list
// embedded in a page cache's master descriptor. The Design Notes call for
// these to be hand-rolled rather than reusing the address-keyed btree,
// since they order by recency/reference, not by address.

func (c *Context) pushWorkingSetLocked(d *PageDescriptor) {
	if d.wsPrev != nil || d.wsNext != nil || c.wsHead == d {
		return // already linked
	}
	d.wsPrev = c.wsTail
	d.wsNext = nil
	if c.wsTail != nil {
		c.wsTail.wsNext = d
	} else {
		c.wsHead = d
	}
	c.wsTail = d
	c.pushReferencedLocked(d)
}

func (c *Context) unlinkWorkingSetLocked(d *PageDescriptor) {
	if d.wsPrev == nil && d.wsNext == nil && c.wsHead != d {
		return // not linked
	}
	if d.wsPrev != nil {
		d.wsPrev.wsNext = d.wsNext
	} else {
		c.wsHead = d.wsNext
	}
	if d.wsNext != nil {
		d.wsNext.wsPrev = d.wsPrev
	} else {
		c.wsTail = d.wsPrev
	}
	d.wsPrev, d.wsNext = nil, nil
}

func (c *Context) pushReferencedLocked(d *PageDescriptor) {
	if d.refPrev != nil || d.refNext != nil || c.refHead == d {
		return
	}
	d.refPrev = c.refTail
	d.refNext = nil
	if c.refTail != nil {
		c.refTail.refNext = d
	} else {
		c.refHead = d
	}
	c.refTail = d
}

func (c *Context) unlinkReferencedLocked(d *PageDescriptor) {
	if d.refPrev == nil && d.refNext == nil && c.refHead != d {
		return
	}
	if d.refPrev != nil {
		d.refPrev.refNext = d.refNext
	} else {
		c.refHead = d.refNext
	}
	if d.refNext != nil {
		d.refNext.refPrev = d.refPrev
	} else {
		c.refTail = d.refPrev
	}
	d.refPrev, d.refNext = nil, nil
}

// unlinkCOWLocked removes d from its master's copy-on-write sibling list.
// Per spec.md §4.3 "Last-copy unlink allows the cache to regain rw": when
// the master's sibling list becomes empty, its frame may be re-granted RW.
func (c *Context) unlinkCOWLocked(d *PageDescriptor) {
	master := d.cowMaster
	if master == nil {
		return
	}
	if d.cowPrev != nil {
		d.cowPrev.cowNext = d.cowNext
	} else {
		master.cowNext = d.cowNext
	}
	if d.cowNext != nil {
		d.cowNext.cowPrev = d.cowPrev
	}
	d.cowPrev, d.cowNext, d.cowMaster = nil, nil, nil

	if master.cowNext == nil {
		master.Prot.RW = true
	}
}

// linkCOWLocked attaches copy as a private sibling of master.
func (c *Context) linkCOWLocked(master, cp *PageDescriptor) {
	cp.cowMaster = master
	cp.cowNext = master.cowNext
	if master.cowNext != nil {
		master.cowNext.cowPrev = cp
	}
	master.cowNext = cp
	cp.cowPrev = nil
	master.Prot.RW = false
}
