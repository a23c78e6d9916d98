package task

import "errors"

// ErrInvalidDAG is the fatal error kind raised when a DAG fails structural
// validation: duplicate task IDs, dangling edges, a cycle, or no root.
var ErrInvalidDAG = errors.New("invalid dag")
