package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage implements ObjectStorage on a local directory.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new local filesystem storage.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("storage: failed to create base directory: %w", err)
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to resolve base directory: %w", err)
	}
	return &LocalStorage{basePath: abs}, nil
}

// Upload copies a file into the store. The object appears atomically: the
// copy is written to a temporary name and renamed into place.
func (l *LocalStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	destPath, err := l.fullPath(objectPath)
	if err != nil {
		return uploadError(objectPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return uploadError(objectPath, err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return uploadError(objectPath, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".upload-*")
	if err != nil {
		return uploadError(objectPath, err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return uploadError(objectPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return uploadError(objectPath, err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return uploadError(objectPath, err)
	}
	return nil
}

// Download copies an object to localPath.
func (l *LocalStorage) Download(ctx context.Context, objectPath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	srcPath, err := l.fullPath(objectPath)
	if err != nil {
		return downloadError(objectPath, err)
	}
	src, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return notFoundError(objectPath)
		}
		return downloadError(objectPath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return downloadError(objectPath, err)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return downloadError(objectPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return downloadError(objectPath, err)
	}
	return nil
}

// Delete removes an object from local storage.
func (l *LocalStorage) Delete(ctx context.Context, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath, err := l.fullPath(objectPath)
	if err != nil {
		return deleteError(objectPath, err)
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return deleteError(objectPath, err)
	}
	return nil
}

// Exists checks if an object exists in local storage.
func (l *LocalStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	fullPath, err := l.fullPath(objectPath)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListObjects returns all object paths under the given prefix.
func (l *LocalStorage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	searchDir, err := l.fullPath(prefix)
	if err != nil {
		return nil, err
	}

	var objects []string
	err = filepath.Walk(searchDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil // prefix doesn't exist, return empty list
			}
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(l.basePath, path)
		if err != nil {
			return err
		}
		objects = append(objects, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list objects: %w", err)
	}
	return objects, nil
}

// fullPath maps an object path into the base directory and rejects paths
// that would escape it.
func (l *LocalStorage) fullPath(objectPath string) (string, error) {
	full := filepath.Join(l.basePath, filepath.FromSlash(objectPath))
	if full != l.basePath && !strings.HasPrefix(full, l.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("object path %q escapes storage root", objectPath)
	}
	return full, nil
}
