// Package storage provides object storage for archived partition files.
package storage

import (
	"context"

	tberrors "github.com/trendbridge/trendbridge/internal/errors"
)

// Sentinel errors for storage operations. Errors returned by implementations
// match these with errors.Is.
var (
	ErrObjectNotFound = tberrors.NewStorageError(tberrors.CodeObjectNotFound, "object not found", nil)
	ErrUploadFailed   = tberrors.NewStorageError(tberrors.CodeUploadFailed, "upload failed", nil)
	ErrDownloadFailed = tberrors.NewStorageError(tberrors.CodeDownloadFailed, "download failed", nil)
	ErrDeleteFailed   = tberrors.NewStorageError(tberrors.CodeDeleteFailed, "delete failed", nil)
)

// ObjectStorage abstracts object storage operations.
// Implementations are the local filesystem and S3.
type ObjectStorage interface {
	// Upload copies the file at localPath to objectPath.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies objectPath to localPath. Returns ErrObjectNotFound
	// when the object does not exist.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

func uploadError(objectPath string, cause error) error {
	return tberrors.NewStorageError(tberrors.CodeUploadFailed, "upload "+objectPath+" failed", cause)
}

func downloadError(objectPath string, cause error) error {
	return tberrors.NewStorageError(tberrors.CodeDownloadFailed, "download "+objectPath+" failed", cause)
}

func deleteError(objectPath string, cause error) error {
	return tberrors.NewStorageError(tberrors.CodeDeleteFailed, "delete "+objectPath+" failed", cause)
}

func notFoundError(objectPath string) error {
	return tberrors.NewStorageError(tberrors.CodeObjectNotFound, "object "+objectPath+" not found", nil)
}
