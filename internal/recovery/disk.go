package recovery

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// remediateDisk frees disk space: expire old logs, drop orphaned uploads and
// abandoned multipart fragments in object storage, and compress logs past the
// compression age. Rerunning is safe; every step removes only what is already
// past its cutoff.
func (e *Engine) remediateDisk(ctx context.Context) (actions []string, ok bool) {
	ok = true

	action, stepOK := e.runStep("disk", "clean old logs", func() (string, error) {
		removed, err := e.removeOldLogs()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("removed %d log files older than %s", removed, e.cfg.LogRetention), nil
	})
	actions = append(actions, action)
	ok = ok && stepOK

	action, stepOK = e.runStep("disk", "remove stale uploads", func() (string, error) {
		if e.objects == nil {
			return "stale upload cleanup skipped: no object storage configured", nil
		}
		removed, err := e.objects.RemoveStaleUploads(ctx, e.cfg.UploadMaxAge)
		if err != nil {
			return "", fmt.Errorf("remove stale uploads: %w", err)
		}
		return fmt.Sprintf("removed %d stale uploads", removed), nil
	})
	actions = append(actions, action)
	ok = ok && stepOK

	action, stepOK = e.runStep("disk", "abort stale multipart uploads", func() (string, error) {
		if e.objects == nil {
			return "multipart cleanup skipped: no object storage configured", nil
		}
		aborted, err := e.objects.AbortStaleMultipartUploads(ctx, e.cfg.UploadMaxAge)
		if err != nil {
			return "", fmt.Errorf("abort multipart uploads: %w", err)
		}
		return fmt.Sprintf("aborted %d stale multipart uploads", aborted), nil
	})
	actions = append(actions, action)
	ok = ok && stepOK

	action, stepOK = e.runStep("disk", "compress old logs", func() (string, error) {
		compressed, err := e.compressOldLogs()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("compressed %d log files older than %s", compressed, e.cfg.CompressAfter), nil
	})
	actions = append(actions, action)
	ok = ok && stepOK

	return actions, ok
}

func (e *Engine) removeOldLogs() (int, error) {
	entries, err := os.ReadDir(e.cfg.LogDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read log dir %s: %w", e.cfg.LogDir, err)
	}

	cutoff := time.Now().Add(-e.cfg.LogRetention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !isLogFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(e.cfg.LogDir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// compressOldLogs gzips uncompressed log files older than CompressAfter,
// replacing the original on success. Already compressed files are skipped so
// repeat runs are no-ops.
func (e *Engine) compressOldLogs() (int, error) {
	if e.cfg.CompressAfter <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(e.cfg.LogDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read log dir %s: %w", e.cfg.LogDir, err)
	}

	cutoff := time.Now().Add(-e.cfg.CompressAfter)
	compressed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isLogFile(name) || strings.HasSuffix(name, ".gz") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(e.cfg.LogDir, name)
		if err := gzipFile(path); err != nil {
			return compressed, fmt.Errorf("compress %s: %w", path, err)
		}
		compressed++
	}
	return compressed, nil
}

func isLogFile(name string) bool {
	return strings.HasSuffix(name, ".log") || strings.HasSuffix(name, ".log.gz")
}

func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}

	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		dst.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := gw.Close(); err != nil {
		dst.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path + ".gz")
		return err
	}
	return os.Remove(path)
}
