package shares

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/WastedYouthinHell/soulshare/soul"
)

// fillChannelCapacity bounds the directory fan-out channel; the driver
// blocks when the workers fall behind.
const fillChannelCapacity = 1000

type scanDir struct {
	share  *Share
	local  string
	masked string
}

// Fill scans the given shares into the index. It is single-writer: a
// second call while one is running fails with ErrShareScanInProgress.
//
// Every row written during the scan is stamped with the scan's start
// epoch; rows carrying an older stamp afterwards are files and directories
// that vanished from disk, and are swept. A cancelled scan skips the
// sweep, so it never destroys index data.
func (c *Cache) Fill(ctx context.Context, shares []Share, filters *Filters) error {
	if !c.fillMu.TryLock() {
		return soul.ErrShareScanInProgress
	}
	defer c.fillMu.Unlock()

	if err := c.SetShares(shares); err != nil {
		return err
	}
	c.sharesMu.Lock()
	c.lastFilters = filters
	c.sharesMu.Unlock()

	fillCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancelMu.Lock()
	c.cancelFill = cancel
	c.cancelMu.Unlock()
	defer func() {
		c.cancelMu.Lock()
		c.cancelFill = nil
		c.cancelMu.Unlock()
	}()

	c.setState(func(s State) State {
		s.Filling = true
		s.Filled = false
		s.Faulted = false
		s.Cancelled = false
		s.Progress = 0
		return s
	})

	err := c.fill(fillCtx, shares, filters)
	switch {
	case err == nil:
		files, dirs := c.counts(ctx)
		c.setState(func(s State) State {
			s.Filling = false
			s.Filled = true
			s.Progress = 1
			s.Files = files
			s.Directories = dirs
			return s
		})
		c.log.WithFields(logrus.Fields{"files": files, "directories": dirs}).
			Info("share scan complete")
		return nil
	case errors.Is(err, context.Canceled):
		c.setState(func(s State) State {
			s.Filling = false
			s.Cancelled = true
			return s
		})
		c.log.Info("share scan cancelled")
		return err
	default:
		c.setState(func(s State) State {
			s.Filling = false
			s.Faulted = true
			return s
		})
		c.log.WithError(err).Error("share scan failed")
		return err
	}
}

// Refresh re-runs the last fill in the background. It is the hook the
// upload service pulls when a resolved file turns out to be missing from
// disk; a no-op before the first fill.
func (c *Cache) Refresh(ctx context.Context) {
	c.sharesMu.RLock()
	shares := c.shares
	filters := c.lastFilters
	c.sharesMu.RUnlock()
	if len(shares) == 0 {
		return
	}
	go func() {
		if err := c.Fill(ctx, shares, filters); err != nil && !errors.Is(err, soul.ErrShareScanInProgress) {
			c.log.WithError(err).Warn("background share rescan failed")
		}
	}()
}

// TryCancelFill cancels a running fill, reporting whether one was running.
func (c *Cache) TryCancelFill() bool {
	c.cancelMu.Lock()
	cancel := c.cancelFill
	c.cancelMu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func (c *Cache) fill(ctx context.Context, shares []Share, filters *Filters) error {
	db, err := c.live()
	if err != nil {
		return err
	}
	ok, err := validSchema(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to validate share index schema: %w", err)
	}
	if !ok {
		c.log.Warn("share index schema invalid, recreating")
		if err := recreate(ctx, db); err != nil {
			return err
		}
	}

	// The stamp written to every row this scan touches.
	epoch := time.Now().UnixMilli()

	dirs, excluded, err := enumerate(ctx, shares, filters)
	if err != nil {
		return err
	}
	c.setState(func(s State) State {
		s.ExcludedDirectories = excluded
		return s
	})
	c.log.WithFields(logrus.Fields{"directories": len(dirs), "excluded": excluded}).
		Debug("share scan enumerated")

	var done atomic.Int64
	total := int64(len(dirs))

	ch := make(chan scanDir, fillChannelCapacity)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ch)
		for _, d := range dirs {
			select {
			case ch <- d:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for i := 0; i < c.opts.Workers; i++ {
		g.Go(func() error {
			for d := range ch {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := c.scanDirectory(gctx, db, d, epoch, filters); err != nil {
					return err
				}
				if n := done.Add(1); total > 0 {
					c.setState(func(s State) State {
						s.Progress = float64(n) / float64(total)
						return s
					})
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.sweep(ctx, db, epoch); err != nil {
		return err
	}
	return c.backup(ctx, db)
}

// scanDirectory indexes one directory: its own row, then the files
// directly inside it. Unreadable directories are skipped, not fatal.
func (c *Cache) scanDirectory(ctx context.Context, db *sql.DB, d scanDir, epoch int64, filters *Filters) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO directories (name, timestamp) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET timestamp = excluded.timestamp`,
		d.masked, epoch)
	if err != nil {
		return fmt.Errorf("failed to upsert directory %q: %w", d.masked, err)
	}

	entries, err := os.ReadDir(d.local)
	if err != nil {
		c.log.WithError(err).WithField("directory", d.local).Debug("skipping unreadable directory")
		return nil
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		local := filepath.Join(d.local, entry.Name())
		if filters.Match(filepath.ToSlash(local)) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		masked, ok := d.share.Mask(local)
		if !ok {
			continue
		}
		if err := upsertFile(ctx, db, masked, local, info, epoch); err != nil {
			return err
		}
	}
	return nil
}

func upsertFile(ctx context.Context, db *sql.DB, masked, local string, info fs.FileInfo, epoch int64) error {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(local)), ".")
	attrs, _ := json.Marshal([]FileAttribute{})
	_, err := db.ExecContext(ctx, `
		INSERT INTO files (maskedFilename, originalFilename, size, touchedAt, code, extension, attributeJson, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (maskedFilename) DO UPDATE SET
			originalFilename = excluded.originalFilename,
			size             = excluded.size,
			touchedAt        = excluded.touchedAt,
			code             = excluded.code,
			extension        = excluded.extension,
			attributeJson    = excluded.attributeJson,
			timestamp        = excluded.timestamp`,
		masked, local, info.Size(), info.ModTime().UTC().Format(time.RFC3339Nano),
		1, ext, string(attrs), epoch)
	if err != nil {
		return fmt.Errorf("failed to upsert file %q: %w", masked, err)
	}
	// The FTS table has no conflict handling; replace the row.
	if _, err := db.ExecContext(ctx, `DELETE FROM filenames WHERE maskedFilename = ?`, masked); err != nil {
		return fmt.Errorf("failed to reindex %q: %w", masked, err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO filenames (maskedFilename) VALUES (?)`, masked); err != nil {
		return fmt.Errorf("failed to index %q: %w", masked, err)
	}
	return nil
}

// sweep deletes every row not touched by the scan that just finished.
func (c *Cache) sweep(ctx context.Context, db *sql.DB, epoch int64) error {
	res, err := db.ExecContext(ctx, `DELETE FROM files WHERE timestamp < ?`, epoch)
	if err != nil {
		return fmt.Errorf("failed to sweep files: %w", err)
	}
	files, _ := res.RowsAffected()
	res, err = db.ExecContext(ctx, `DELETE FROM directories WHERE timestamp < ?`, epoch)
	if err != nil {
		return fmt.Errorf("failed to sweep directories: %w", err)
	}
	dirs, _ := res.RowsAffected()
	_, err = db.ExecContext(ctx,
		`DELETE FROM filenames WHERE maskedFilename NOT IN (SELECT maskedFilename FROM files)`)
	if err != nil {
		return fmt.Errorf("failed to sweep filename index: %w", err)
	}
	if files > 0 || dirs > 0 {
		c.log.WithFields(logrus.Fields{"files": files, "directories": dirs}).
			Debug("swept stale index rows")
	}
	return nil
}

// backup rewrites the backup database from the live one.
func (c *Cache) backup(ctx context.Context, db *sql.DB) error {
	if c.opts.Backup == "" {
		return nil
	}
	if err := os.Remove(c.opts.Backup); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove stale share index backup: %w", err)
	}
	if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, c.opts.Backup); err != nil {
		return fmt.Errorf("failed to back up share index: %w", err)
	}
	return nil
}

// enumerate walks every non-excluded share and returns the deduplicated
// directory set, plus the count of directories excluded by filters or by
// excluded shares. Hidden and unreadable directories are skipped.
func enumerate(ctx context.Context, shares []Share, filters *Filters) ([]scanDir, int, error) {
	var excludedRoots []string
	for i := range shares {
		if shares[i].Excluded {
			excludedRoots = append(excludedRoots, filepath.Clean(shares[i].LocalPath))
		}
	}

	var (
		dirs     []scanDir
		excluded int
	)
	seen := make(map[string]struct{})
	for i := range shares {
		share := &shares[i]
		if share.Excluded {
			continue
		}
		err := filepath.WalkDir(share.LocalPath, func(p string, d fs.DirEntry, err error) error {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			if err != nil {
				// Inaccessible; skip rather than fail the scan.
				return nil
			}
			if !d.IsDir() {
				return nil
			}
			if p != share.LocalPath && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			for _, root := range excludedRoots {
				if p == root || strings.HasPrefix(p, root+string(filepath.Separator)) {
					excluded++
					return filepath.SkipDir
				}
			}
			if filters.Match(filepath.ToSlash(p)) {
				excluded++
				return filepath.SkipDir
			}
			masked, ok := share.Mask(p)
			if !ok {
				return nil
			}
			if _, dup := seen[masked]; dup {
				return nil
			}
			seen[masked] = struct{}{}
			dirs = append(dirs, scanDir{share: share, local: p, masked: masked})
			return nil
		})
		if err != nil {
			return nil, 0, err
		}
	}
	return dirs, excluded, nil
}
