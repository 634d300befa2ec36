// Package transport carries wire messages between peers.
//
// A Link is one bidirectional connection to one peer. Sessions only accept
// links that deliver every message, in order, exactly once; Properties
// lets a link declare what it guarantees.
package transport

import (
	"context"
	"errors"

	"github.com/roach88/rewind/internal/wire"
)

// ErrLinkClosed is returned by Send and Receive once a link is closed.
var ErrLinkClosed = errors.New("link closed")

// Properties describe the delivery guarantees of a link.
type Properties struct {
	Ordered  bool `json:"ordered"`
	Reliable bool `json:"reliable"`
}

// Link is a connection to one peer.
//
// Send may be called concurrently with Receive. Receive is called from a
// single goroutine and blocks until a message arrives, the link closes or
// ctx is done.
type Link interface {
	Send(m wire.Message) error
	Receive(ctx context.Context) (wire.Message, error)
	Properties() Properties
	Close() error
}
