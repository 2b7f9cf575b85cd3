package mir

import (
	"fmt"
	"io"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
	"github.com/pkg/errors"
)

// CFG returns the control flow graph of the function, with block numbers as
// vertices.
func (f *Function) CFG() (graph.Graph[int, int], error) {
	g := graph.New(graph.IntHash, graph.Directed())
	for _, b := range f.Blocks {
		label := fmt.Sprintf("bb.%d (%d insts)", b.Number, len(b.Insts))
		if err := g.AddVertex(b.Number, graph.VertexAttribute("label", label), graph.VertexAttribute("shape", "box")); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	for _, b := range f.Blocks {
		for _, succ := range b.Succs {
			if err := g.AddEdge(b.Number, succ); err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
				return nil, errors.Wrapf(err, "unable to add edge bb.%d -> bb.%d", b.Number, succ)
			}
		}
	}
	return g, nil
}

// Reachable returns the numbers of the blocks reachable from the entry block,
// in breadth-first order.
func (f *Function) Reachable() ([]int, error) {
	if len(f.Blocks) == 0 {
		return nil, nil
	}
	g, err := f.CFG()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var nums []int
	visit := func(num int) bool {
		nums = append(nums, num)
		return false
	}
	if err := graph.BFS(g, 0, visit); err != nil {
		return nil, errors.WithStack(err)
	}
	return nums, nil
}

// WriteDOT writes the control flow graph of the function in Graphviz DOT
// format to w.
func (f *Function) WriteDOT(w io.Writer) error {
	g, err := f.CFG()
	if err != nil {
		return errors.WithStack(err)
	}
	if err := draw.DOT(g, w); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
