package engine

import "time"

// DefaultEvalTimeout is the max time evaluators get to complete. Guards may
// call read-only tools, so it covers a few remote round trips.
const DefaultEvalTimeout = 2 * time.Second
