package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// localStorage implements runtime.Storage with bare file-metadata pointers
// rather than an actual object store: spec.md §1 places blob storage out
// of scope, so storage.* only ever hands back locator URLs a caller would
// resolve against whatever blob service they run alongside pulsedb.
type localStorage struct {
	baseURL string
}

func newLocalStorage(baseURL string) *localStorage {
	return &localStorage{baseURL: baseURL}
}

// GetURL implements runtime.Storage.
func (s *localStorage) GetURL(_ context.Context, storageID string) (string, error) {
	return fmt.Sprintf("%s/blobs/%s", s.baseURL, storageID), nil
}

// GenerateUploadURL implements runtime.Storage.
func (s *localStorage) GenerateUploadURL(_ context.Context) (string, error) {
	return fmt.Sprintf("%s/blobs/%s", s.baseURL, uuid.NewString()), nil
}
