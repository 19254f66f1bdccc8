// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package profile

import (
	"sort"

	"github.com/parca-dev/rbprof/pkg/stack"
)

// Node is a call path in a tree. Count is cumulative, it includes the counts
// of every descendant, Self only the samples that ended here.
type Node struct {
	Frame    stack.Frame
	Count    uint64
	Self     uint64
	Children map[uint64]*Node
}

func newNode(f stack.Frame) *Node {
	return &Node{Frame: f}
}

func (n *Node) child(f stack.Frame) *Node {
	id := FrameID(f)
	c, ok := n.Children[id]
	if !ok {
		if n.Children == nil {
			n.Children = map[uint64]*Node{}
		}
		c = newNode(f)
		n.Children[id] = c
	}
	return c
}

// SortedChildren returns the children by descending count, ties broken by
// name so output is stable.
func (n *Node) SortedChildren() []*Node {
	res := make([]*Node, 0, len(n.Children))
	for _, c := range n.Children {
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Count != res[j].Count {
			return res[i].Count > res[j].Count
		}
		if res[i].Frame.Name != res[j].Frame.Name {
			return res[i].Frame.Name < res[j].Frame.Name
		}
		if res[i].Frame.RelativePath != res[j].Frame.RelativePath {
			return res[i].Frame.RelativePath < res[j].Frame.RelativePath
		}
		return res[i].Frame.Line < res[j].Frame.Line
	})
	return res
}

func (n *Node) clone() *Node {
	c := &Node{Frame: n.Frame, Count: n.Count, Self: n.Self}
	if len(n.Children) > 0 {
		c.Children = make(map[uint64]*Node, len(n.Children))
		for id, child := range n.Children {
			c.Children[id] = child.clone()
		}
	}
	return c
}

// Tree is a call tree. The root has no frame, its count is the number of
// samples in the tree.
type Tree struct {
	Root *Node
}

func NewTree() *Tree {
	return &Tree{Root: newNode(stack.Frame{})}
}

// Add counts one sample with frames ordered root first.
func (t *Tree) Add(frames []stack.Frame) {
	t.AddN(frames, 1)
}

func (t *Tree) AddN(frames []stack.Frame, count uint64) {
	n := t.Root
	n.Count += count
	for _, f := range frames {
		n = n.child(f)
		n.Count += count
	}
	n.Self += count
}

func (t *Tree) Total() uint64 {
	return t.Root.Count
}

// Stacks calls fn for every path that has samples ending at it, with frames
// ordered root first. The slice is reused between calls.
func (t *Tree) Stacks(fn func(frames []stack.Frame, count uint64)) {
	var (
		path []stack.Frame
		walk func(n *Node)
	)
	walk = func(n *Node) {
		if n.Self > 0 && len(path) > 0 {
			fn(path, n.Self)
		}
		for _, c := range n.SortedChildren() {
			path = append(path, c.Frame)
			walk(c)
			path = path[:len(path)-1]
		}
	}
	walk(t.Root)
}

func (t *Tree) clone() *Tree {
	return &Tree{Root: t.Root.clone()}
}
