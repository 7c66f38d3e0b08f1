package executor

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	tberrors "github.com/trendbridge/trendbridge/internal/errors"
)

// partitionAlias is the schema name archived files are attached under.
const partitionAlias = "partition_db"

// detachTimeout bounds the DETACH issued while releasing an attachment.
const detachTimeout = 5 * time.Second

// attachment is an archived partition file attached to one dedicated
// connection. It must be released with Close on every path.
type attachment struct {
	conn   *sql.Conn
	path   string
	logger *zap.Logger
}

// attachPartition takes a connection from db and attaches path to it.
// The file must exist and live inside partitionDir (when partitionDir is set).
func attachPartition(ctx context.Context, db *sql.DB, partitionDir, path string, logger *zap.Logger) (*attachment, error) {
	resolved, err := resolvePartitionPath(partitionDir, path)
	if err != nil {
		return nil, err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, tberrors.NewConnectionError("failed to acquire query connection", err)
	}

	if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ? AS "+partitionAlias, resolved); err != nil {
		conn.Close()
		return nil, tberrors.NewAttachError(resolved, err)
	}

	a := &attachment{conn: conn, path: resolved, logger: logger}

	// ATTACH opens lazily; touching the schema surfaces corrupt files here.
	var n int
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+partitionAlias+".sqlite_master").Scan(&n); err != nil {
		a.Close()
		return nil, tberrors.NewAttachError(resolved, err)
	}
	return a, nil
}

// Close detaches the partition and returns the connection to the pool. The
// DETACH runs on a fresh context so a cancelled query still cleans up. If
// DETACH fails the connection is discarded instead of being pooled.
func (a *attachment) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()

	_, err := a.conn.ExecContext(ctx, "DETACH DATABASE "+partitionAlias)
	if err != nil {
		a.logger.Warn("detach failed, discarding connection",
			zap.String("path", a.path), zap.Error(err))
		_ = a.conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	if cerr := a.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// resolvePartitionPath cleans path and checks that it names an existing
// regular file under partitionDir.
func resolvePartitionPath(partitionDir, path string) (string, error) {
	abs, err := confinePartitionPath(partitionDir, path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", tberrors.NewAttachError(abs, err)
	}
	if !info.Mode().IsRegular() {
		return "", tberrors.NewAttachError(abs, fmt.Errorf("not a regular file"))
	}
	return abs, nil
}

// confinePartitionPath returns the absolute form of path, which must lie
// under partitionDir when partitionDir is set. The file need not exist.
func confinePartitionPath(partitionDir, path string) (string, error) {
	if path == "" {
		return "", tberrors.NewAttachError(path, fmt.Errorf("empty partition path"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", tberrors.NewAttachError(path, err)
	}
	if partitionDir == "" {
		return abs, nil
	}

	dir, err := filepath.Abs(partitionDir)
	if err != nil {
		return "", tberrors.NewAttachError(path, err)
	}
	rel, err := filepath.Rel(dir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", tberrors.NewAttachError(path, fmt.Errorf("path is outside partition directory %s", dir))
	}
	return abs, nil
}
