// Package timer implements the idle-eviction deadline list: a doubly linked
// list of per-connection expiry instants kept sorted ascending, advanced by
// periodic ticks. All operations run on the reactor goroutine, so the list
// needs no locking.
package timer

import "time"

// Node is one connection's deadline. A connection has at most one node in
// the list at a time.
type Node struct {
	Expiry   time.Time
	FD       int
	Callback func(fd int)

	prev, next *Node
	attached   bool
}

// List is the sorted deadline list. Expiry values are non-decreasing from
// head to tail.
type List struct {
	head, tail *Node
	size       int
}

// Len returns the number of attached nodes.
func (l *List) Len() int {
	return l.size
}

// Add inserts n in expiry order, scanning from the head.
func (l *List) Add(n *Node) {
	if n == nil || n.attached {
		return
	}
	l.insertFrom(l.head, n)
}

// Adjust restores ordering after n's expiry has been extended. If n is still
// ordered with respect to its successor nothing happens; otherwise n is
// detached and re-inserted scanning forward from its old successor, since an
// extended deadline can only move toward the tail.
func (l *List) Adjust(n *Node) {
	if n == nil || !n.attached {
		return
	}
	if n.next == nil || !n.Expiry.After(n.next.Expiry) {
		return
	}
	at := n.next
	l.unlink(n)
	l.insertFrom(at, n)
}

// Remove unlinks n. Removing a node that is not attached is a no-op, so the
// eviction path may call it after Tick has already popped the node.
func (l *List) Remove(n *Node) {
	if n == nil || !n.attached {
		return
	}
	l.unlink(n)
}

// Tick pops every node whose expiry is at or before now, invoking its
// callback. Callbacks run with the node already detached.
func (l *List) Tick(now time.Time) {
	for l.head != nil && !l.head.Expiry.After(now) {
		n := l.head
		l.unlink(n)
		if n.Callback != nil {
			n.Callback(n.FD)
		}
	}
}

func (l *List) insertFrom(at *Node, n *Node) {
	cur := at
	for cur != nil && !cur.Expiry.After(n.Expiry) {
		cur = cur.next
	}
	n.attached = true
	l.size++
	if cur == nil {
		// new tail
		n.prev = l.tail
		n.next = nil
		if l.tail != nil {
			l.tail.next = n
		} else {
			l.head = n
		}
		l.tail = n
		return
	}
	// insert before cur
	n.next = cur
	n.prev = cur.prev
	if cur.prev != nil {
		cur.prev.next = n
	} else {
		l.head = n
	}
	cur.prev = n
}

func (l *List) unlink(n *Node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
	n.attached = false
	l.size--
}
