package link

import "github.com/pkg/errors"

// ErrLinkUnavailable indicates a send was attempted while the link is not
// active. Callers drop or regenerate the payload; session state is always
// rebuilt wholesale by the next full sync.
var ErrLinkUnavailable = errors.New("link unavailable")
