// Package blobstore keeps downloaded document attachments on the local
// filesystem, one directory per connection. Only the path is stored on the
// resource row; the bytes never enter Postgres.
package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
)

// Store writes and reads attachment files under a root directory.
type Store struct {
	root   string
	logger zerolog.Logger
}

func NewStore(root string, logger zerolog.Logger) (*Store, error) {
	if root == "" {
		return nil, apperror.New(apperror.CodeValidation, 500, "document directory is not configured")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create document root: %w", err)
	}
	return &Store{
		root:   root,
		logger: logger.With().Str("component", "blobstore").Logger(),
	}, nil
}

// Save writes one attachment and returns its path relative to the root.
// The extension is derived from the MIME type so viewers open the file
// correctly.
func (s *Store) Save(_ context.Context, connectionID, resourceID uuid.UUID, contentType string, data []byte) (string, error) {
	dir := filepath.Join(s.root, connectionID.String())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create connection directory: %w", err)
	}
	name := resourceID.String() + extensionFor(contentType)
	rel := filepath.Join(connectionID.String(), name)
	abs := filepath.Join(s.root, rel)

	// Write through a temp file so a crash never leaves a half document.
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close document: %w", err)
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("publish document: %w", err)
	}

	s.logger.Debug().Str("path", rel).Int("bytes", len(data)).Msg("document stored")
	return rel, nil
}

// Open returns the bytes of a previously saved document.
func (s *Store) Open(_ context.Context, relPath string) ([]byte, error) {
	abs, err := s.resolve(relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return nil, apperror.NotFound("document %s not found", relPath)
	}
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return data, nil
}

// Delete removes one document; missing files are not an error.
func (s *Store) Delete(_ context.Context, relPath string) error {
	abs, err := s.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// resolve keeps relative paths inside the root.
func (s *Store) resolve(relPath string) (string, error) {
	clean := filepath.Clean(relPath)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", apperror.Validation("invalid document path %q", relPath)
	}
	return filepath.Join(s.root, clean), nil
}

func extensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])) {
	case "application/pdf":
		return ".pdf"
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/tiff":
		return ".tiff"
	case "text/plain":
		return ".txt"
	case "text/html":
		return ".html"
	case "application/xml", "text/xml":
		return ".xml"
	case "application/json", "application/fhir+json":
		return ".json"
	default:
		return ".bin"
	}
}
