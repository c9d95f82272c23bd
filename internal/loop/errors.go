package loop

import "errors"

var ErrClosed = errors.New("loop closed")
