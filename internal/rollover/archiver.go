package rollover

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/trendbridge/trendbridge/internal/logging"
	"github.com/trendbridge/trendbridge/internal/manifest"
	"github.com/trendbridge/trendbridge/internal/storage"
)

// archivePrefix is the object prefix archived partitions are stored under.
const archivePrefix = "partitions/"

// ObjectPath returns the archive object path of a partition file.
func ObjectPath(fileName string) string {
	return archivePrefix + fileName + ".sz"
}

// Archiver copies partition files to object storage, snappy-compressed.
type Archiver struct {
	storage storage.ObjectStorage
	workDir string
	logger  *zap.Logger
}

// NewArchiver creates an archiver staging compressed files in workDir.
func NewArchiver(store storage.ObjectStorage, workDir string, logger *zap.Logger) *Archiver {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Archiver{storage: store, workDir: workDir, logger: logging.OrNop(logger)}
}

// Archive compresses the partition file and uploads it. Returns the object path.
func (a *Archiver) Archive(ctx context.Context, rec *manifest.PartitionRecord) (string, error) {
	src, err := os.Open(rec.FilePath)
	if err != nil {
		return "", fmt.Errorf("rollover: failed to open partition file: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(a.workDir, 0755); err != nil {
		return "", fmt.Errorf("rollover: failed to create work directory: %w", err)
	}
	tmp, err := os.CreateTemp(a.workDir, rec.FileName+".*.sz")
	if err != nil {
		return "", fmt.Errorf("rollover: failed to create staging file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := snappy.NewBufferedWriter(tmp)
	n, err := io.Copy(w, src)
	if err == nil {
		err = w.Close()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("rollover: failed to compress partition: %w", err)
	}

	objectPath := ObjectPath(rec.FileName)
	if err := a.storage.Upload(ctx, tmp.Name(), objectPath); err != nil {
		return "", err
	}

	a.logger.Info("partition archived",
		zap.String("file", rec.FilePath),
		zap.String("object", objectPath),
		zap.Int64("raw_bytes", n))
	return objectPath, nil
}

// Restore downloads the archived copy of rec and writes the decompressed file
// to dest. dest is replaced atomically.
func (a *Archiver) Restore(ctx context.Context, rec *manifest.PartitionRecord, dest string) error {
	if err := os.MkdirAll(a.workDir, 0755); err != nil {
		return fmt.Errorf("rollover: failed to create work directory: %w", err)
	}
	compressed := filepath.Join(a.workDir, rec.FileName+".restore.sz")
	defer os.Remove(compressed)

	if err := a.storage.Download(ctx, ObjectPath(rec.FileName), compressed); err != nil {
		return err
	}

	src, err := os.Open(compressed)
	if err != nil {
		return fmt.Errorf("rollover: failed to open archive copy: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("rollover: failed to create destination directory: %w", err)
	}
	out, err := os.CreateTemp(filepath.Dir(dest), ".restore-*")
	if err != nil {
		return fmt.Errorf("rollover: failed to create restore file: %w", err)
	}
	_, err = io.Copy(out, snappy.NewReader(src))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out.Name())
		return fmt.Errorf("rollover: failed to decompress archive copy: %w", err)
	}
	if err := os.Rename(out.Name(), dest); err != nil {
		os.Remove(out.Name())
		return fmt.Errorf("rollover: failed to install restored file: %w", err)
	}

	a.logger.Info("partition restored", zap.String("file", dest))
	return nil
}

// Remove deletes the archived copy of rec.
func (a *Archiver) Remove(ctx context.Context, rec *manifest.PartitionRecord) error {
	return a.storage.Delete(ctx, ObjectPath(rec.FileName))
}
