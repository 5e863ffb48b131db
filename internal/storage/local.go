package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"invoice-collector-go/internal/errs"
	"invoice-collector-go/internal/model"
)

// LocalUploader stores blobs under a directory, for single host deployments
// and for a synced drive folder.
type LocalUploader struct {
	root          string
	publicBaseURL string
}

func NewLocalUploader(root, publicBaseURL string) (*LocalUploader, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalUploader{root: abs, publicBaseURL: publicBaseURL}, nil
}

func (u *LocalUploader) Put(ctx context.Context, req PutRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errs.Transient("storage.local", err)
	}

	target := filepath.Join(u.root, filepath.FromSlash(req.Path))
	if target != u.root && !strings.HasPrefix(target, u.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("remote path %q escapes the storage directory", req.Path)
	}
	link := u.link(req.Path, target)

	existing, err := os.ReadFile(target)
	switch {
	case err == nil:
		if model.Fingerprint(existing) == model.Fingerprint(req.Data) {
			return link, nil
		}
		if !req.Overwrite {
			return "", errs.Conflict(req.Path)
		}
	case !os.IsNotExist(err):
		return "", fmt.Errorf("failed to read %s: %w", target, err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	// Write then rename so a crash never leaves a partial file at the final path.
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(req.Data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", target, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("failed to move upload into place: %w", err)
	}

	logrus.WithFields(logrus.Fields{"path": req.Path, "size": len(req.Data)}).Debug("Stored file locally")
	return link, nil
}

func (u *LocalUploader) link(remotePath, target string) string {
	if u.publicBaseURL != "" {
		return publicLink(u.publicBaseURL, remotePath)
	}
	return "file://" + filepath.ToSlash(target)
}
