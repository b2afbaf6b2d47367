package wire

import "github.com/pkg/errors"

// ErrMalformedSequence indicates a final fragment arrived with no buffered
// earlier fragments for its (command, session id) key.
var ErrMalformedSequence = errors.New("malformed fragment sequence")

// ErrFrameTooLarge indicates a frame on the stream exceeds the sane size bound.
var ErrFrameTooLarge = errors.New("frame too large")
