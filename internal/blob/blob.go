// Package blob materializes stored video objects to local files.
package blob

import (
	"context"
	"errors"
)

// ErrObjectNotFound is returned when the referenced object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Source copies the object at bucket/key to destPath. Implementations create or
// truncate destPath; the caller owns and removes it.
type Source interface {
	Materialize(ctx context.Context, bucket, key, destPath string) error
}
