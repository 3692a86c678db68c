package bus

import "errors"

// ErrClosed is returned by bus operations after Close.
var ErrClosed = errors.New("message bus closed")
