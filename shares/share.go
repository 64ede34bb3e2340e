// Package shares owns the shared-file index: the set of share roots, the
// scan that fills the index, and the lookups the upload path depends on
// (resolve, search, browse).
//
// The index lives in a SQLite database with a full-text table over the
// masked filenames, plus a backup database rewritten after every
// successful scan. Masked names are the remote-facing paths sent to
// peers; they always use forward slashes, the protocol codec converts at
// the wire.
package shares

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/WastedYouthinHell/soulshare/soul"
)

// Share is one root of the filesystem index.
type Share struct {
	ID         string
	LocalPath  string
	RemotePath string
	Alias      string

	// Agent names the remote agent serving this share. Empty means the
	// files are on local disk.
	Agent string

	// Excluded shares are never indexed, and mask a matching prefix of
	// any other share.
	Excluded bool
}

// Host returns the host serving this share's files.
func (s *Share) Host() string {
	if s.Agent == "" {
		return soul.LocalHost
	}
	return s.Agent
}

// Mask converts a local path under this share into its remote-facing
// form. The second return is false when local is not under the share.
func (s *Share) Mask(local string) (string, bool) {
	local = filepath.ToSlash(local)
	root := filepath.ToSlash(s.LocalPath)
	if local == root {
		return s.RemotePath, true
	}
	if !strings.HasPrefix(local, root+"/") {
		return "", false
	}
	return path.Join(s.RemotePath, strings.TrimPrefix(local, root+"/")), true
}

// ContainsMasked reports whether masked falls under this share's remote
// prefix.
func (s *Share) ContainsMasked(masked string) bool {
	return masked == s.RemotePath || strings.HasPrefix(masked, s.RemotePath+"/")
}

// validate checks the invariant that remote paths are unique across
// non-excluded shares.
func validate(shares []Share) error {
	seen := make(map[string]string, len(shares))
	for _, s := range shares {
		if s.Excluded {
			continue
		}
		if prev, ok := seen[s.RemotePath]; ok {
			return &DuplicateRemotePathError{RemotePath: s.RemotePath, Shares: []string{prev, s.ID}}
		}
		seen[s.RemotePath] = s.ID
	}
	return nil
}

// DuplicateRemotePathError reports two non-excluded shares claiming the
// same remote path.
type DuplicateRemotePathError struct {
	RemotePath string
	Shares     []string
}

// Error implements error.
func (e *DuplicateRemotePathError) Error() string {
	return "duplicate share remote path " + e.RemotePath + " (" + strings.Join(e.Shares, ", ") + ")"
}
