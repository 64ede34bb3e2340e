package shares

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // sqlite driver registration

	"github.com/WastedYouthinHell/soulshare/soul"
)

// FileAttribute is one peer-protocol attribute of a shared file, such as
// bitrate or duration for audio.
type FileAttribute struct {
	Type  int `json:"type"`
	Value int `json:"value"`
}

// File is one indexed shared file.
type File struct {
	MaskedFilename   string
	OriginalFilename string
	Size             int64
	TouchedAt        time.Time
	Code             int
	Extension        string
	Attributes       []FileAttribute
}

// Directory is one indexed directory with the files directly inside it.
// Files is nil for directories with no indexed files; the peer protocol
// still needs those so a browsing client receives the full tree shape.
type Directory struct {
	Name  string
	Files []File
}

// State is the cache state broadcast to observers.
type State struct {
	Filling             bool
	Filled              bool
	Faulted             bool
	Cancelled           bool
	Progress            float64
	Files               int
	Directories         int
	ExcludedDirectories int
}

// Options configures a Cache.
type Options struct {
	// Primary and Backup are the live and backup database paths.
	Primary string
	Backup  string

	// Workers is the scan fan-out width.
	Workers int
}

// Cache is the shared-file index.
type Cache struct {
	opts Options
	log  *logrus.Entry

	dbMu sync.Mutex
	db   *sql.DB

	// fillMu makes the fill single-writer; TryLock failure means a scan
	// is already running.
	fillMu     sync.Mutex
	cancelMu   sync.Mutex
	cancelFill context.CancelFunc

	stateMu sync.Mutex
	state   State
	subs    []chan State

	sharesMu    sync.RWMutex
	shares      []Share
	lastFilters *Filters
}

// NewCache creates a cache over the given databases. The live database is
// not opened until first use (TryLoad, Fill or a lookup).
func NewCache(opts Options) *Cache {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Cache{
		opts: opts,
		log:  logrus.WithField("component", "shares"),
	}
}

// Close closes the live database, if open.
func (c *Cache) Close() error {
	c.dbMu.Lock()
	defer c.dbMu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// SetShares records the share set used to resolve hosts for masked names.
// Fill calls it with the share set it scanned; it is exposed so a restored
// backup can resolve before the first scan.
func (c *Cache) SetShares(shares []Share) error {
	if err := validate(shares); err != nil {
		return err
	}
	c.sharesMu.Lock()
	c.shares = shares
	c.sharesMu.Unlock()
	return nil
}

// State returns the current cache state.
func (c *Cache) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Subscribe returns a channel receiving every state transition. Slow
// consumers lose intermediate states, never the subscription.
func (c *Cache) Subscribe() <-chan State {
	ch := make(chan State, 16)
	c.stateMu.Lock()
	c.subs = append(c.subs, ch)
	c.stateMu.Unlock()
	return ch
}

// setState applies fn to the current state and broadcasts the transition.
func (c *Cache) setState(fn func(State) State) {
	c.stateMu.Lock()
	c.state = fn(c.state)
	next := c.state
	subs := c.subs
	c.stateMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- next:
		default:
		}
	}
}

// TryLoad opens the live database, restoring it from the backup when it is
// missing or its schema does not validate. It returns whether a usable
// index was loaded.
func (c *Cache) TryLoad(ctx context.Context) (bool, error) {
	db, err := c.open(c.opts.Primary)
	if err == nil {
		if ok, verr := validSchema(ctx, db); verr == nil && ok {
			c.setLive(db)
			files, dirs := c.counts(ctx)
			c.setState(func(s State) State {
				s.Filled = true
				s.Files = files
				s.Directories = dirs
				return s
			})
			return true, nil
		}
		_ = db.Close()
	}

	// Primary unusable; fall back to the backup.
	if _, err := os.Stat(c.opts.Backup); err != nil {
		return false, nil
	}
	c.log.Warn("share index missing or invalid, restoring from backup")
	if err := copyFile(c.opts.Backup, c.opts.Primary); err != nil {
		return false, fmt.Errorf("failed to restore share index backup: %w", err)
	}
	db, err = c.open(c.opts.Primary)
	if err != nil {
		return false, fmt.Errorf("failed to open restored share index: %w", err)
	}
	if ok, err := validSchema(ctx, db); err != nil || !ok {
		_ = db.Close()
		return false, fmt.Errorf("restored share index is invalid")
	}
	c.setLive(db)
	files, dirs := c.counts(ctx)
	c.setState(func(s State) State {
		s.Filled = true
		s.Files = files
		s.Directories = dirs
		return s
	})
	return true, nil
}

func (c *Cache) open(p string) (*sql.DB, error) {
	if dir := filepath.Dir(p); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create share index directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", p+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open share index: %w", err)
	}
	return db, nil
}

func (c *Cache) setLive(db *sql.DB) {
	c.dbMu.Lock()
	if c.db != nil {
		_ = c.db.Close()
	}
	c.db = db
	c.dbMu.Unlock()
}

// live returns the live database, opening (and creating) it on first use.
func (c *Cache) live() (*sql.DB, error) {
	c.dbMu.Lock()
	defer c.dbMu.Unlock()
	if c.db != nil {
		return c.db, nil
	}
	db, err := c.open(c.opts.Primary)
	if err != nil {
		return nil, err
	}
	c.db = db
	return db, nil
}

const cacheSchema = `
CREATE TABLE IF NOT EXISTS directories (
	name      TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS files (
	maskedFilename   TEXT PRIMARY KEY,
	originalFilename TEXT NOT NULL,
	size             INTEGER NOT NULL,
	touchedAt        TEXT NOT NULL,
	code             INTEGER NOT NULL,
	extension        TEXT NOT NULL,
	attributeJson    TEXT NOT NULL,
	timestamp        INTEGER NOT NULL
);
CREATE VIRTUAL TABLE IF NOT EXISTS filenames USING fts5(maskedFilename);
`

var cacheTables = []string{"directories", "files", "filenames"}

func validSchema(ctx context.Context, db *sql.DB) (bool, error) {
	for _, table := range cacheTables {
		var name string
		err := db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE name = ?`, table).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

// recreate drops and recreates all index tables.
func recreate(ctx context.Context, db *sql.DB) error {
	for _, table := range cacheTables {
		if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
	}
	if _, err := db.ExecContext(ctx, cacheSchema); err != nil {
		return fmt.Errorf("failed to create share index schema: %w", err)
	}
	return nil
}

// Resolve maps a masked filename to the host serving it and the original
// filename on that host. A miss means the file is not shared.
func (c *Cache) Resolve(ctx context.Context, maskedFilename string) (host, originalFilename string, err error) {
	db, err := c.live()
	if err != nil {
		return "", "", err
	}
	err = db.QueryRowContext(ctx,
		`SELECT originalFilename FROM files WHERE maskedFilename = ?`, maskedFilename).
		Scan(&originalFilename)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("%q: %w", maskedFilename, soul.ErrNotFound)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve %q: %w", maskedFilename, err)
	}

	host = soul.LocalHost
	c.sharesMu.RLock()
	for i := range c.shares {
		s := &c.shares[i]
		if !s.Excluded && s.ContainsMasked(maskedFilename) {
			host = s.Host()
			break
		}
	}
	c.sharesMu.RUnlock()
	return host, originalFilename, nil
}

// Search returns indexed files matching the query, ascending by masked
// filename. See compileQuery for the query grammar.
func (c *Cache) Search(ctx context.Context, query string) ([]File, error) {
	match, ok := compileQuery(query)
	if !ok {
		return nil, nil
	}
	db, err := c.live()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, selectFileColumns+`
		WHERE maskedFilename IN (SELECT maskedFilename FROM filenames WHERE filenames MATCH ?)
		ORDER BY maskedFilename ASC`, match)
	if err != nil {
		return nil, fmt.Errorf("failed to search share index: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanFiles(rows)
}

// Browse returns the full directory tree, or the subtree under the share
// with the given remote path prefix. Directories with no files appear as
// empty entries.
func (c *Cache) Browse(ctx context.Context, share string) ([]Directory, error) {
	db, err := c.live()
	if err != nil {
		return nil, err
	}

	dirQuery := `SELECT name FROM directories`
	fileQuery := selectFileColumns
	var dirArgs, fileArgs []any
	if share != "" {
		pattern := escapeLike(share) + `/%`
		dirQuery += ` WHERE name = ? OR name LIKE ? ESCAPE '\'`
		dirArgs = append(dirArgs, share, pattern)
		fileQuery += ` WHERE maskedFilename LIKE ? ESCAPE '\'`
		fileArgs = append(fileArgs, pattern)
	}
	dirQuery += ` ORDER BY name ASC`
	fileQuery += ` ORDER BY maskedFilename ASC`

	rows, err := db.QueryContext(ctx, dirQuery, dirArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to list directories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Directory
	index := make(map[string]int)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		index[name] = len(out)
		out = append(out, Directory{Name: name})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	frows, err := db.QueryContext(ctx, fileQuery, fileArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer func() { _ = frows.Close() }()
	files, err := scanFiles(frows)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		parent := path.Dir(f.MaskedFilename)
		i, ok := index[parent]
		if !ok {
			// File whose directory row is missing; keep the tree
			// consistent for the client.
			index[parent] = len(out)
			out = append(out, Directory{Name: parent, Files: []File{f}})
			continue
		}
		out[i].Files = append(out[i].Files, f)
	}
	return out, nil
}

// List returns the single directory with the given masked name.
func (c *Cache) List(ctx context.Context, directory string) (*Directory, error) {
	db, err := c.live()
	if err != nil {
		return nil, err
	}
	var name string
	err = db.QueryRowContext(ctx, `SELECT name FROM directories WHERE name = ?`, directory).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("directory %q: %w", directory, soul.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, selectFileColumns+`
		WHERE maskedFilename LIKE ? ESCAPE '\' AND maskedFilename NOT LIKE ? ESCAPE '\'
		ORDER BY maskedFilename ASC`,
		escapeLike(directory)+`/%`, escapeLike(directory)+`/%/%`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	files, err := scanFiles(rows)
	if err != nil {
		return nil, err
	}
	return &Directory{Name: name, Files: files}, nil
}

// CountFiles counts indexed files, optionally under a share prefix.
func (c *Cache) CountFiles(ctx context.Context, share string) (int, error) {
	return c.count(ctx, `files`, `maskedFilename`, share)
}

// CountDirectories counts indexed directories, optionally under a share
// prefix.
func (c *Cache) CountDirectories(ctx context.Context, share string) (int, error) {
	return c.count(ctx, `directories`, `name`, share)
}

func (c *Cache) count(ctx context.Context, table, column, share string) (int, error) {
	db, err := c.live()
	if err != nil {
		return 0, err
	}
	query := `SELECT COUNT(*) FROM ` + table
	var args []any
	if share != "" {
		query += ` WHERE ` + column + ` = ? OR ` + column + ` LIKE ? ESCAPE '\'`
		args = append(args, share, escapeLike(share)+`/%`)
	}
	var n int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// counts returns (files, directories), zero on error. Used for state
// publication only.
func (c *Cache) counts(ctx context.Context) (int, int) {
	files, _ := c.CountFiles(ctx, "")
	dirs, _ := c.CountDirectories(ctx, "")
	return files, dirs
}

const selectFileColumns = `
	SELECT maskedFilename, originalFilename, size, touchedAt, code, extension, attributeJson
	FROM files`

func scanFiles(rows *sql.Rows) ([]File, error) {
	var out []File
	for rows.Next() {
		var (
			f         File
			touchedAt string
			attrs     string
		)
		if err := rows.Scan(&f.MaskedFilename, &f.OriginalFilename, &f.Size,
			&touchedAt, &f.Code, &f.Extension, &attrs); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, touchedAt)
		if err != nil {
			return nil, fmt.Errorf("bad touchedAt %q: %w", touchedAt, err)
		}
		f.TouchedAt = t.UTC()
		if attrs != "" && attrs != "null" {
			if err := json.Unmarshal([]byte(attrs), &f.Attributes); err != nil {
				return nil, fmt.Errorf("bad attributes for %q: %w", f.MaskedFilename, err)
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	var b []byte
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			b = append(b, '\\')
		}
		b = append(b, s[i])
	}
	return string(b)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
