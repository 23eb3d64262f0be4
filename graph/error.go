package graph

import "fmt"

type ErrorCode string

const (
	ErrDuplicateNode ErrorCode = "DuplicateNode"
	ErrUnknownNode   ErrorCode = "UnknownNode"
)

func (code ErrorCode) Error() string {
	return string(code)
}

// NodeError names the node ID an operation on the graph was rejected for.
type NodeError struct {
	Code ErrorCode
	Node string
}

func newNodeError(code ErrorCode, node string) *NodeError {
	return &NodeError{Code: code, Node: node}
}

func (ne *NodeError) Error() string {
	return fmt.Sprintf("%s: node %q", ne.Code, ne.Node)
}

func (ne *NodeError) Unwrap() error {
	return ne.Code
}
