package replication

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/InsulaLabs/depot/internal/peerauth"
)

// ErrUnauthorized is what a peer answers to a request whose signature does
// not check out.
var ErrUnauthorized = peerauth.ErrUnauthorized

// ErrPeerTimeout is returned when a holder stops answering for longer than
// the fetch timeout.
var ErrPeerTimeout = fmt.Errorf("peer did not answer in time: %w", context.DeadlineExceeded)

// ErrUnknownPeer is returned for holders with no configured address.
var ErrUnknownPeer = errors.New("unknown peer")

// ReplicationError is a failed fetch from one holder. Status is the HTTP
// status the holder answered with, or zero if none was received.
type ReplicationError struct {
	Node   string
	Status int
	Err    error
}

func (e *ReplicationError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("fetch from %s: %d %s: %v", e.Node, e.Status, http.StatusText(e.Status), e.Err)
	case e.Status != 0:
		return fmt.Sprintf("fetch from %s: %d %s", e.Node, e.Status, http.StatusText(e.Status))
	default:
		return fmt.Sprintf("fetch from %s: %v", e.Node, e.Err)
	}
}

func (e *ReplicationError) Unwrap() error {
	return e.Err
}
