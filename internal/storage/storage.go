// Package storage places byte blobs at deterministic remote paths.
package storage

import (
	"context"
	"net/url"
	"path"
	"strings"
)

// Uploader stores blobs idempotently. Putting the same bytes to the same
// path again returns the same link. Putting different bytes to an existing
// path fails with errs.ErrUploadConflict unless Overwrite is set.
type Uploader interface {
	Put(ctx context.Context, req PutRequest) (string, error)
}

// PutRequest describes one blob to store
type PutRequest struct {
	Path        string
	Data        []byte
	ContentType string
	// Overwrite replaces existing content at Path. Only regenerated artifacts set it.
	Overwrite bool
}

// fingerprintKey is the object metadata key holding the content SHA-256.
const fingerprintKey = "sha256"

// publicLink joins a public base URL and an object path, escaping each segment.
func publicLink(base, objectPath string) string {
	segments := strings.Split(objectPath, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(base, "/") + "/" + path.Join(segments...)
}
