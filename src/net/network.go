package net

import (
	"context"
	"errors"
	"time"
)

// DefaultNameTTL is how long a published name record stays resolvable.
const DefaultNameTTL = 24 * time.Hour

var (
	// ErrNotFound means no content exists under the requested id.
	ErrNotFound = errors.New("content not found")

	// ErrNameNotFound means the name is unpublished or its record expired.
	ErrNameNotFound = errors.New("name not found")
)

// ContentNetwork is the storage and naming layer shared by all nodes.
// Content is immutable and addressed by id; names are mutable pointers with
// a TTL.
type ContentNetwork interface {
	// Put stores the data and returns its content id.
	Put(ctx context.Context, data []byte) (string, error)

	// Get retrieves the data stored under the content id.
	Get(ctx context.Context, cid string) ([]byte, error)

	// PublishName points the name at the content id for the TTL's duration.
	PublishName(ctx context.Context, name string, cid string, ttl time.Duration) error

	// ResolveName returns the content id the name currently points at.
	ResolveName(ctx context.Context, name string) (string, error)

	// DiscoverPeers returns the public keys of peers recently seen on the
	// network.
	DiscoverPeers(ctx context.Context) ([]string, error)
}
