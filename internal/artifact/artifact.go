// Package artifact stores rendered PDFs content-addressed by their SHA-256,
// so re-renders of identical content overwrite with identical bytes and a
// version's PDF can always be fetched by hash.
package artifact

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no artifact exists for a digest.
var ErrNotFound = errors.New("artifact not found")

type Store interface {
	// Put stores the PDF under its hex SHA-256 digest. Writing the same
	// digest twice is a no-op with identical content.
	Put(ctx context.Context, sha256Hex string, pdf []byte) error
	// Get fetches the PDF for a digest, or ErrNotFound.
	Get(ctx context.Context, sha256Hex string) ([]byte, error)
}
