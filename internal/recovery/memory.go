package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// remediateMemory relieves memory pressure: flush the shared cache, restart
// workers over their per-process ceiling, and clean temp files. The cache is
// only flushed past the hard threshold since dropping a warm cache has a cost
// of its own.
func (e *Engine) remediateMemory(ctx context.Context) (actions []string, ok bool) {
	ok = true

	action, stepOK := e.runStep("memory", "flush shared cache", func() (string, error) {
		pct, err := e.memoryPct()
		if err != nil {
			return "", fmt.Errorf("read memory usage: %w", err)
		}
		if pct < e.cfg.MemoryHardPct {
			return fmt.Sprintf("cache flush not needed at %.1f%% memory", pct), nil
		}
		if e.cache == nil {
			return "", fmt.Errorf("no cache configured")
		}
		if err := e.cache.Flush(ctx); err != nil {
			return "", fmt.Errorf("flush cache: %w", err)
		}
		runtime.GC()
		return fmt.Sprintf("flushed shared cache at %.1f%% memory", pct), nil
	})
	actions = append(actions, action)
	ok = ok && stepOK

	action, stepOK = e.runStep("memory", "restart heavy workers", func() (string, error) {
		return e.restartHeavyWorkers(ctx)
	})
	actions = append(actions, action)
	ok = ok && stepOK

	action, stepOK = e.runStep("memory", "clean temp files", func() (string, error) {
		removed, err := e.cleanTempFiles()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("removed %d temp files", removed), nil
	})
	actions = append(actions, action)
	ok = ok && stepOK

	return actions, ok
}

func (e *Engine) restartHeavyWorkers(ctx context.Context) (string, error) {
	if e.workers == nil {
		return "worker restart skipped: no orchestrator configured", nil
	}
	workers, err := e.workers.ListWorkers(ctx)
	if err != nil {
		return "", fmt.Errorf("list workers: %w", err)
	}

	restarted := 0
	for _, w := range workers {
		if w.MemoryRSSMB <= e.cfg.WorkerMemoryLimitMB {
			continue
		}
		if err := e.workers.RestartWorker(ctx, w.ID); err != nil {
			return "", fmt.Errorf("restart worker %s after %d restarted: %w", w.ID, restarted, err)
		}
		restarted++
	}
	return fmt.Sprintf("restarted %d workers over %dMB", restarted, e.cfg.WorkerMemoryLimitMB), nil
}

// cleanTempFiles removes regular files older than an hour from the temp dir.
// Directories and fresh files are left alone.
func (e *Engine) cleanTempFiles() (int, error) {
	dir := e.cfg.TempDir
	if dir == "" {
		dir = os.TempDir()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read temp dir %s: %w", dir, err)
	}

	cutoff := time.Now().Add(-time.Hour)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
