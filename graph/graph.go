package graph

import (
	"bytes"
)

// NodeConstrain is satisfied by anything that can describe itself as a DOT node.
type NodeConstrain interface {
	// DotSpec().ID is used as key in the graph, so should be unique.
	DotSpec() *DotNodeSpec
}

type Edge[NT NodeConstrain] struct {
	From NT
	To   NT
}

type DotNodeSpec struct {
	ID        string
	Name      string
	Tooltip   string
	Shape     string
	Style     string
	FillColor string
}

type DotEdgeSpec struct {
	FromNodeID string
	ToNodeID   string
	Tooltip    string
	Style      string
	Color      string
}

// EdgeSpecFunc describes the edge drawn between two connected nodes.
type EdgeSpecFunc[NT NodeConstrain] func(from, to NT) *DotEdgeSpec

// Graph keeps nodes in insertion order so the rendered DOT output is stable.
type Graph[NT NodeConstrain] struct {
	connectionSpec EdgeSpecFunc[NT]
	nodeOrder      []string
	nodes          map[string]NT
	nodeEdges      map[string][]*Edge[NT]
}

func NewGraph[NT NodeConstrain](edgeSpecFunc EdgeSpecFunc[NT]) *Graph[NT] {
	return &Graph[NT]{
		connectionSpec: edgeSpecFunc,
		nodes:          make(map[string]NT),
		nodeEdges:      make(map[string][]*Edge[NT]),
	}
}

func (g *Graph[NT]) AddNode(n NT) error {
	nodeKey := n.DotSpec().ID
	if _, ok := g.nodes[nodeKey]; ok {
		return newNodeError(ErrDuplicateNode, nodeKey)
	}
	g.nodes[nodeKey] = n
	g.nodeOrder = append(g.nodeOrder, nodeKey)

	return nil
}

func (g *Graph[NT]) Connect(from, to string) error {
	var nodeFrom, nodeTo NT
	var ok bool
	if nodeFrom, ok = g.nodes[from]; !ok {
		return newNodeError(ErrUnknownNode, from)
	}

	if nodeTo, ok = g.nodes[to]; !ok {
		return newNodeError(ErrUnknownNode, to)
	}

	g.nodeEdges[from] = append(g.nodeEdges[from], &Edge[NT]{From: nodeFrom, To: nodeTo})
	return nil
}

// Len returns the number of nodes in the graph.
func (g *Graph[NT]) Len() int {
	return len(g.nodeOrder)
}

// https://en.wikipedia.org/wiki/DOT_(graph_description_language)
func (g *Graph[NT]) ToDotGraph() (string, error) {
	nodes := make([]*DotNodeSpec, 0, len(g.nodeOrder))
	edges := make([]*DotEdgeSpec, 0)
	for _, key := range g.nodeOrder {
		nodes = append(nodes, g.nodes[key].DotSpec())
		for _, edge := range g.nodeEdges[key] {
			edges = append(edges, g.connectionSpec(edge.From, edge.To))
		}
	}

	buf := new(bytes.Buffer)
	err := digraphTemplate.Execute(buf, templateRef{Nodes: nodes, Edges: edges})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
