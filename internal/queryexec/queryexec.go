// Package queryexec defines the narrow boundary between the network core
// and the full-text index engine: a parsed request goes in, a tabular
// result set (or an error) comes out. Everything upstream of Executor —
// the SQL/JSON parser, the ranker, the storage engine — is out of scope
// here and is treated as an external collaborator.
package queryexec

import "context"

// Request is an already-parsed query ready for execution against one or
// more index handles. The parser/ranker that produce it are out of
// scope; Request is the seam they would plug into.
type Request struct {
	Index string
	Raw   string
	Args  []interface{}
}

// ResultSet is the tabular result shape every executor returns,
// regardless of whether the underlying request was a full-text query, a
// status command, or a function call.
type ResultSet struct {
	Columns []string
	Rows    [][]interface{}
}

// Executor answers one Request against whatever backend it fronts. A
// query handler obtains an Executor per target index from the Registry
// (or synthesizes one against a remote Agent Connection for a mirrored
// index) and never depends on a concrete implementation.
type Executor interface {
	Execute(ctx context.Context, req Request) (ResultSet, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req Request) (ResultSet, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (ResultSet, error) {
	return f(ctx, req)
}
