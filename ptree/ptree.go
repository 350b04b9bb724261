// Package ptree implements a Patricia/radix tree over variable-length
// bitstring keys (spec.md §4.1). Its only user in this module is the
// bridge's MAC learning table; the group table does not use it.
//
// Nodes live in a slice-backed arena and are addressed by index rather
// than by pointer, per spec.md §9's guidance for memory-safe ports of the
// original's pointer-linked, refcounted node graph. Each node carries an
// atomic refcount; releasing the last reference to an infoless node with
// at most one child splices it out of the tree and recurses on its parent, mirroring
// `ptree_node_delete` in the original.
package ptree

import (
	"sync"
	"sync/atomic"

	"github.com/lagopus-go/dpcore/lerr"
)

const none = -1

// maskbit[shift] masks the high `shift` bits of a byte, used to compare
// the trailing partial byte of two keys of possibly different lengths.
var maskbit = [9]byte{0x00, 0x80, 0xc0, 0xe0, 0xf0, 0xf8, 0xfc, 0xfe, 0xff}

// Node is a single Patricia-tree node. KeyLen is in bits; Key holds
// ceil(KeyLen/8) bytes (at least one byte, even for a zero-length key).
type Node struct {
	Key    []byte
	KeyLen uint16

	info   interface{}
	idx    int
	parent int
	link   [2]int
	refs   atomic.Int32
}

// Info returns the value associated with the node, or nil if the node is
// only a structural (common-prefix) branch point.
func (n *Node) Info() interface{} { return n.info }

// SetInfo attaches a value to the node.
func (n *Node) SetInfo(v interface{}) { n.info = v }

// Tree is a Patricia tree over keys up to MaxKeyBits long.
type Tree struct {
	mu         sync.Mutex
	nodes      []Node
	free       []int
	top        int
	MaxKeyBits uint16
}

// New creates an empty tree accepting keys up to maxKeyBits bits long.
func New(maxKeyBits uint16) (*Tree, error) {
	if maxKeyBits == 0 {
		return nil, lerr.New(lerr.InvalidArgs, "ptree: max key bits must be non-zero")
	}
	return &Tree{top: none, MaxKeyBits: maxKeyBits}, nil
}

func bitOctets(bits uint16) int {
	n := int(bits+7) / 8
	if n < 1 {
		n = 1
	}
	return n
}

func checkBit(key []byte, pos uint16) int {
	offset := pos / 8
	shift := 7 - (pos % 8)
	return int((key[offset] >> shift) & 1)
}

// keyMatch reports whether the n_len-bit key np is a prefix of the
// p_len-bit key pp. It requires n_len <= p_len (the stricter
// ptree_node_match variant; see DESIGN.md Open Question 1).
func keyMatch(np []byte, nLen uint16, pp []byte, pLen uint16) bool {
	if nLen > pLen {
		return false
	}
	offset := int(nLen) / 8
	shift := nLen % 8
	if shift != 0 && maskbit[shift]&(np[offset]^pp[offset]) != 0 {
		return false
	}
	for offset--; offset >= 0; offset-- {
		if np[offset] != pp[offset] {
			return false
		}
	}
	return true
}

func (t *Tree) alloc() int {
	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		return idx
	}
	t.nodes = append(t.nodes, Node{})
	return len(t.nodes) - 1
}

func (t *Tree) node(idx int) *Node {
	if idx == none {
		return nil
	}
	return &t.nodes[idx]
}

func (t *Tree) newNode(key []byte, keyLen uint16) int {
	idx := t.alloc()
	n := &t.nodes[idx]
	n.Key = make([]byte, bitOctets(keyLen))
	copy(n.Key, key)
	n.KeyLen = keyLen
	n.parent = none
	n.link = [2]int{none, none}
	n.info = nil
	n.idx = idx
	n.refs.Store(0)
	return idx
}

// commonNode builds a new branch node holding the longest common prefix
// of an existing node's key and an incoming key, mirroring
// ptree_node_common.
func (t *Tree) commonNode(nIdx int, key []byte, keyLen uint16) int {
	np := t.nodes[nIdx].Key
	nLen := t.nodes[nIdx].KeyLen

	limit := nLen
	if keyLen < limit {
		limit = keyLen
	}

	var bitLen uint16
	for bitLen < limit && checkBit(np, bitLen) == checkBit(key, bitLen) {
		bitLen++
	}

	idx := t.newNode(nil, bitLen)
	newKey := t.nodes[idx].Key
	full := int(bitLen) / 8
	for j := 0; j < full; j++ {
		newKey[j] = np[j]
	}
	if bitLen%8 != 0 {
		newKey[full] = np[full] & maskbit[bitLen%8]
	}
	return idx
}

func (t *Tree) setLink(parent, child int) {
	bit := checkBit(t.nodes[child].Key, t.nodes[parent].KeyLen)
	t.nodes[parent].link[bit] = child
	t.nodes[child].parent = parent
}

func (t *Tree) lock(idx int) *Node {
	t.nodes[idx].refs.Add(1)
	return &t.nodes[idx]
}

// Insert returns the node for (key, keyLen), creating it (and any
// necessary common-prefix branch node) if absent. The returned node is
// refcount-locked; the caller must call Release exactly once.
func (t *Tree) Insert(key []byte, keyLen uint16) (*Node, error) {
	if keyLen > t.MaxKeyBits {
		return nil, lerr.New(lerr.InvalidArgs, "ptree: key exceeds max key bits")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	match := none
	cur := t.top
	for cur != none && t.nodes[cur].KeyLen <= keyLen &&
		keyMatch(t.nodes[cur].Key, t.nodes[cur].KeyLen, key, keyLen) {
		if t.nodes[cur].KeyLen == keyLen {
			return t.lock(cur), nil
		}
		match = cur
		cur = t.nodes[cur].link[checkBit(key, t.nodes[cur].KeyLen)]
	}

	var created int
	if cur == none {
		created = t.newNode(key, keyLen)
		if match != none {
			t.setLink(match, created)
		} else {
			t.top = created
		}
	} else {
		branch := t.commonNode(cur, key, keyLen)
		t.setLink(branch, cur)
		if match != none {
			t.setLink(match, branch)
		} else {
			t.top = branch
		}

		if t.nodes[branch].KeyLen != keyLen {
			created = t.newNode(key, keyLen)
			t.setLink(branch, created)
		} else {
			created = branch
		}
	}

	return t.lock(created), nil
}

// Lookup returns the exact-match node for (key, keyLen) with info set, or
// nil if absent. The returned node is refcount-locked.
func (t *Tree) Lookup(key []byte, keyLen uint16) *Node {
	if keyLen > t.MaxKeyBits {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.top
	for cur != none && t.nodes[cur].KeyLen <= keyLen &&
		keyMatch(t.nodes[cur].Key, t.nodes[cur].KeyLen, key, keyLen) {
		if t.nodes[cur].KeyLen == keyLen && t.nodes[cur].info != nil {
			return t.lock(cur)
		}
		cur = t.nodes[cur].link[checkBit(key, t.nodes[cur].KeyLen)]
	}
	return nil
}

// Match returns the deepest (longest) node whose key is a prefix of
// (key, keyLen) and which carries info, or nil. The returned node is
// refcount-locked.
func (t *Tree) Match(key []byte, keyLen uint16) *Node {
	if keyLen > t.MaxKeyBits {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	matched := none
	cur := t.top
	for cur != none && t.nodes[cur].KeyLen <= keyLen {
		if !keyMatch(t.nodes[cur].Key, t.nodes[cur].KeyLen, key, keyLen) {
			break
		}
		if t.nodes[cur].info != nil {
			matched = cur
		}
		if t.nodes[cur].KeyLen == keyLen {
			break
		}
		cur = t.nodes[cur].link[checkBit(key, t.nodes[cur].KeyLen)]
	}

	if matched == none {
		return nil
	}
	return t.lock(matched)
}

// Release decrements n's refcount. When it reaches zero and n carries no
// info and has at most one child, n is spliced out of the tree and its
// parent is released in turn, mirroring ptree_node_delete's recursive
// cleanup.
func (t *Tree) Release(n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked(n.idx)
}

func (t *Tree) releaseLocked(idx int) {
	if t.nodes[idx].refs.Add(-1) > 0 {
		return
	}

	for idx != none {
		n := &t.nodes[idx]
		if n.refs.Load() > 0 {
			return
		}
		if n.info != nil {
			return
		}

		left, right := n.link[0], n.link[1]
		if left != none && right != none {
			return
		}

		child := none
		if left != none {
			child = left
		} else if right != none {
			child = right
		}

		parent := n.parent
		if child != none {
			t.nodes[child].parent = parent
		}
		if parent != none {
			if t.nodes[parent].link[0] == idx {
				t.nodes[parent].link[0] = child
			} else {
				t.nodes[parent].link[1] = child
			}
		} else {
			t.top = child
		}

		t.free = append(t.free, idx)

		// Walk up: a parent left as a childless branch point with no
		// holders is spliced out in turn, as ptree_node_delete does.
		idx = parent
	}
}

// IterateFunc is called once per visited node in pre-order.
type IterateFunc func(n *Node) bool

// Iterate walks the tree in pre-order starting at the root, calling fn
// for each node. Each visited node is locked before its children are
// visited and unlocked (without auto-delete, so concurrent single-node
// deletes elsewhere cannot free a node while Iterate still holds it)
// after, per spec.md §4.1.
func (t *Tree) Iterate(fn IterateFunc) {
	t.mu.Lock()
	root := t.top
	t.mu.Unlock()

	t.iterate(root, fn)
}

func (t *Tree) iterate(idx int, fn IterateFunc) {
	if idx == none {
		return
	}

	t.mu.Lock()
	t.nodes[idx].refs.Add(1)
	n := &t.nodes[idx]
	left, right := n.link[0], n.link[1]
	t.mu.Unlock()

	cont := fn(n)

	if cont {
		t.iterate(left, fn)
		t.iterate(right, fn)
	}

	t.mu.Lock()
	t.nodes[idx].refs.Add(-1)
	t.mu.Unlock()
}
