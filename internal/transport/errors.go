package transport

import "errors"

// ErrNotModified is returned by edit calls when the platform reports the
// message already matches the requested content. Callers treat it as
// success; it is what makes edit application idempotent.
var ErrNotModified = errors.New("message not modified")
