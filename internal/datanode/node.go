// Package datanode implements the hierarchical key/value tree used for
// participant profiles, channel configuration and server data.
package datanode

import (
	"strings"

	"github.com/vovakirdan/replica-server/internal/codec"
)

// maxDepth guards decoding against hostile nesting.
const maxDepth = 32

// Node is a named value with ordered children. Values are opaque bytes
// produced by the client-side value codec.
type Node struct {
	Name     string  `yaml:"name"`
	Value    []byte  `yaml:"value,omitempty"`
	Children []*Node `yaml:"children,omitempty"`
}

// New returns an empty root node.
func New(name string) *Node {
	return &Node{Name: name}
}

func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Child returns the direct child with the given name.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Get resolves a slash-separated path. An empty path returns n.
func (n *Node) Get(path string) *Node {
	cur := n
	for _, part := range splitPath(path) {
		cur = cur.Child(part)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Set stores value at path, creating intermediate nodes. A nil value removes
// the node at path (and its subtree). It returns the affected node, or nil
// when a removal took place.
func (n *Node) Set(path string, value []byte) *Node {
	parts := splitPath(path)
	if len(parts) == 0 {
		n.Value = value
		return n
	}
	if value == nil {
		parent := n.Get(strings.Join(parts[:len(parts)-1], "/"))
		if parent != nil {
			parent.remove(parts[len(parts)-1])
		}
		return nil
	}
	cur := n
	for _, part := range parts {
		next := cur.Child(part)
		if next == nil {
			next = &Node{Name: part}
			cur.Children = append(cur.Children, next)
		}
		cur = next
	}
	cur.Value = value
	return cur
}

func (n *Node) remove(name string) {
	for i, c := range n.Children {
		if c.Name == name {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			return
		}
	}
}

// Empty reports whether the node holds neither a value nor children.
func (n *Node) Empty() bool {
	return n == nil || (len(n.Value) == 0 && len(n.Children) == 0)
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Name: n.Name}
	if n.Value != nil {
		out.Value = append([]byte(nil), n.Value...)
	}
	for _, c := range n.Children {
		out.Children = append(out.Children, c.Clone())
	}
	return out
}

// Merge copies every value of other into n, overwriting existing leaves.
func (n *Node) Merge(other *Node) {
	if other == nil {
		return
	}
	if other.Value != nil {
		n.Value = append([]byte(nil), other.Value...)
	}
	for _, oc := range other.Children {
		c := n.Child(oc.Name)
		if c == nil {
			n.Children = append(n.Children, oc.Clone())
			continue
		}
		c.Merge(oc)
	}
}

// Encode writes the subtree. A nil node is encoded as an empty root.
func (n *Node) Encode(w *codec.Writer) {
	if n == nil {
		n = &Node{}
	}
	w.String(n.Name)
	w.Blob(n.Value)
	w.Uvarint(uint64(len(n.Children)))
	for _, c := range n.Children {
		c.Encode(w)
	}
}

// Decode reads a subtree written by Encode.
func Decode(r *codec.Reader) *Node {
	return decode(r, 0)
}

func decode(r *codec.Reader, depth int) *Node {
	n := &Node{Name: r.String()}
	if v := r.Blob(); len(v) > 0 {
		n.Value = v
	}
	count := r.Uvarint()
	if r.Err() != nil || depth >= maxDepth || count > uint64(r.Remaining()) {
		return n
	}
	for i := uint64(0); i < count && r.Err() == nil; i++ {
		n.Children = append(n.Children, decode(r, depth+1))
	}
	return n
}

// Bytes is a convenience wrapper around Encode.
func (n *Node) Bytes() []byte {
	w := codec.NewWriter(64)
	n.Encode(w)
	return w.Bytes()
}

// FromBytes is a convenience wrapper around Decode.
func FromBytes(data []byte) (*Node, error) {
	r := codec.NewReader(data)
	n := Decode(r)
	if err := r.Err(); err != nil {
		return nil, err
	}
	return n, nil
}
