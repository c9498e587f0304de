// Package meta implements the hierarchical key/value/attribute metadata tree
// attached to every table and database object. The tree records the schema
// type under the "schema" node and processing provenance under well-known
// paths such as "SOFTWARE/delite".
package meta

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dcroote/sra-tools/internal/errors"
)

// Well-known metadata paths.
const (
	// SchemaNode carries the schema text as its value and the schema type
	// string in its "name" attribute.
	SchemaNode = "schema"

	// ProvenanceNode marks an object as already processed. Attributes:
	// "date", "name", "vers".
	ProvenanceNode = "SOFTWARE/delite"
)

// treeFile is the on-disk location of an object's metadata tree,
// relative to the object directory.
const treeFile = "md/meta.json"

// Node is one entry in the metadata tree. Values are raw bytes; attributes
// are small string key/value pairs; children are named subtrees.
type Node struct {
	Value    []byte            `json:"value,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Children map[string]*Node  `json:"children,omitempty"`
}

// clone returns a deep copy of the node and its subtree.
func (n *Node) clone() *Node {
	cp := &Node{}
	if n.Value != nil {
		cp.Value = append([]byte(nil), n.Value...)
	}
	if n.Attrs != nil {
		cp.Attrs = make(map[string]string, len(n.Attrs))
		for k, v := range n.Attrs {
			cp.Attrs[k] = v
		}
	}
	if n.Children != nil {
		cp.Children = make(map[string]*Node, len(n.Children))
		for k, c := range n.Children {
			cp.Children[k] = c.clone()
		}
	}
	return cp
}

// Tree is the metadata tree of one object, loaded fully into memory.
// All writes are buffered; Save commits the whole tree in a single
// atomic replace so a failed write never leaves a partial node behind.
type Tree struct {
	objectDir string
	root      *Node
}

// Open loads the metadata tree of the object rooted at objectDir.
// An object without a metadata file yields an empty tree.
func Open(objectDir string) (*Tree, error) {
	t := &Tree{objectDir: objectDir, root: &Node{}}

	data, err := os.ReadFile(filepath.Join(objectDir, treeFile))
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, errors.NewIOError(errors.CodeReadFailed, "read metadata tree", err).
			WithDetails(map[string]interface{}{"object": objectDir})
	}
	if err := json.Unmarshal(data, t.root); err != nil {
		return nil, errors.NewIOError(errors.CodeReadFailed, "parse metadata tree", err).
			WithDetails(map[string]interface{}{"object": objectDir})
	}
	return t, nil
}

// Save writes the tree back to disk. The serialized tree is fully buffered,
// written to a temporary file, and renamed into place.
func (t *Tree) Save() error {
	data, err := json.MarshalIndent(t.root, "", "  ")
	if err != nil {
		return errors.NewInternalError("serialize metadata tree", err)
	}

	dir := filepath.Join(t.objectDir, filepath.Dir(treeFile))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.NewIOError(errors.CodeWriteFailed, "create metadata directory", err)
	}

	final := filepath.Join(t.objectDir, treeFile)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.NewIOError(errors.CodeWriteFailed, "write metadata tree", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return errors.NewIOError(errors.CodeWriteFailed, "commit metadata tree", err)
	}
	return nil
}

// node walks the tree to the named node. Returns NODE_NOT_FOUND if any
// path element is absent; a present node with no value is not an error.
func (t *Tree) node(path string) (*Node, error) {
	cur := t.root
	if path == "" || path == "/" {
		return cur, nil
	}
	for _, elem := range strings.Split(strings.Trim(path, "/"), "/") {
		next, ok := cur.Children[elem]
		if !ok {
			return nil, errors.NewStateError(errors.CodeNodeNotFound, "metadata node not found").
				WithDetails(map[string]interface{}{"object": t.objectDir, "path": path})
		}
		cur = next
	}
	return cur, nil
}

// openNode walks to the named node, creating missing path elements.
func (t *Tree) openNode(path string) *Node {
	cur := t.root
	if path == "" || path == "/" {
		return cur
	}
	for _, elem := range strings.Split(strings.Trim(path, "/"), "/") {
		if cur.Children == nil {
			cur.Children = make(map[string]*Node)
		}
		next, ok := cur.Children[elem]
		if !ok {
			next = &Node{}
			cur.Children[elem] = next
		}
		cur = next
	}
	return cur
}

// Has reports whether the named node exists.
func (t *Tree) Has(path string) bool {
	_, err := t.node(path)
	return err == nil
}

// ReadValue returns the value bytes of the named node. A present node with
// an empty value returns an empty (non-nil) slice.
func (t *Tree) ReadValue(path string) ([]byte, error) {
	n, err := t.node(path)
	if err != nil {
		return nil, err
	}
	if n.Value == nil {
		return []byte{}, nil
	}
	return append([]byte(nil), n.Value...), nil
}

// ReadAttr returns the named attribute of the named node.
func (t *Tree) ReadAttr(path, attr string) (string, error) {
	n, err := t.node(path)
	if err != nil {
		return "", err
	}
	v, ok := n.Attrs[attr]
	if !ok {
		return "", errors.NewStateError(errors.CodeNodeNotFound, "metadata attribute not found").
			WithDetails(map[string]interface{}{"object": t.objectDir, "path": path, "attr": attr})
	}
	return v, nil
}

// WriteValue sets the value bytes of the named node, creating it as needed.
func (t *Tree) WriteValue(path string, value []byte) {
	n := t.openNode(path)
	n.Value = append([]byte(nil), value...)
}

// WriteAttr sets one attribute of the named node, creating it as needed.
func (t *Tree) WriteAttr(path, attr, value string) {
	n := t.openNode(path)
	if n.Attrs == nil {
		n.Attrs = make(map[string]string)
	}
	n.Attrs[attr] = value
}

// Attrs returns the attribute names of the named node in sorted order.
func (t *Tree) Attrs(path string) ([]string, error) {
	n, err := t.node(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(n.Attrs))
	for k := range n.Attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names, nil
}

// CopySubtree copies the named subtree from src into dst byte-exact,
// replacing any existing subtree at the same path in dst.
func CopySubtree(dst, src *Tree, path string) error {
	n, err := src.node(path)
	if err != nil {
		return err
	}
	cp := n.clone()

	if path == "" || path == "/" {
		dst.root = cp
		return nil
	}
	elems := strings.Split(strings.Trim(path, "/"), "/")
	parent := dst.openNode(strings.Join(elems[:len(elems)-1], "/"))
	if parent.Children == nil {
		parent.Children = make(map[string]*Node)
	}
	parent.Children[elems[len(elems)-1]] = cp
	return nil
}
