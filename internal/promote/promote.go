// Package promote compares the staging copy of a project with the live tree and
// copies reviewed changes across.
package promote

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/jeanhaley32/sapphire-bee/internal/fsutil"
)

type Kind string

const (
	Added    Kind = "added"
	Modified Kind = "modified"
	Removed  Kind = "removed"
)

// Marker is the one-letter status used in listings.
func (k Kind) Marker() string {
	switch k {
	case Added:
		return "A"
	case Modified:
		return "M"
	case Removed:
		return "D"
	}
	return "?"
}

// Change is one differing file. Path is slash-separated and relative to both roots.
type Change struct {
	Path string
	Kind Kind
}

// DefaultIgnore lists names skipped on both sides.
var DefaultIgnore = []string{".git", ".bee", ".godot", ".import", ".DS_Store"}

// DiffOptions controls Diff. Ignore entries are glob patterns matched against
// each path element and against the full relative path.
type DiffOptions struct {
	Ignore []string
}

type entry struct {
	sum  string
	mode fs.FileMode
}

// Diff classifies every file that differs between staging and live, sorted by path.
func Diff(staging, live string, opts DiffOptions) ([]Change, error) {
	if opts.Ignore == nil {
		opts.Ignore = DefaultIgnore
	}
	src, err := hashTree(staging, opts.Ignore)
	if err != nil {
		return nil, fmt.Errorf("staging: %w", err)
	}
	dst, err := hashTree(live, opts.Ignore)
	if err != nil {
		return nil, fmt.Errorf("live: %w", err)
	}

	var changes []Change
	for rel, s := range src {
		d, ok := dst[rel]
		switch {
		case !ok:
			changes = append(changes, Change{Path: rel, Kind: Added})
		case d.sum != s.sum || d.mode != s.mode:
			changes = append(changes, Change{Path: rel, Kind: Modified})
		}
	}
	for rel := range dst {
		if _, ok := src[rel]; !ok {
			changes = append(changes, Change{Path: rel, Kind: Removed})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

func hashTree(root string, ignore []string) (map[string]entry, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	out := make(map[string]entry)
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if ignored(rel, d.Name(), ignore) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		sum, err := hashFile(p)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		out[rel] = entry{sum: sum, mode: fi.Mode().Perm()}
		return nil
	})
	return out, err
}

func ignored(rel, name string, patterns []string) bool {
	for _, pat := range patterns {
		if ok, _ := path.Match(pat, name); ok {
			return true
		}
		if ok, _ := path.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

func hashFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// UnifiedDiff renders the change to rel as a unified diff. Binary files
// produce a one-line notice instead.
func UnifiedDiff(staging, live, rel string) (string, error) {
	a, err := readOptional(filepath.Join(live, filepath.FromSlash(rel)))
	if err != nil {
		return "", err
	}
	b, err := readOptional(filepath.Join(staging, filepath.FromSlash(rel)))
	if err != nil {
		return "", err
	}
	if isBinary(a) || isBinary(b) {
		return fmt.Sprintf("Binary files live/%s and staging/%s differ\n", rel, rel), nil
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a)),
		B:        difflib.SplitLines(string(b)),
		FromFile: "live/" + rel,
		ToFile:   "staging/" + rel,
		Context:  3,
	})
}

func readOptional(p string) ([]byte, error) {
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

func isBinary(data []byte) bool {
	if len(data) > 8000 {
		data = data[:8000]
	}
	return bytes.IndexByte(data, 0) >= 0
}

// Options controls Promote.
type Options struct {
	// Delete applies removals; without it removed files are reported as skipped.
	Delete bool
	DryRun bool
	Logger *slog.Logger
}

// Summary lists what Promote did (or would do on a dry run).
type Summary struct {
	Copied  []string
	Removed []string
	Skipped []string
}

// Promote applies changes from staging to live. Every copy is a temp file plus
// rename, so an interrupted promote never leaves a half-written live file.
func Promote(staging, live string, changes []Change, opts Options) (Summary, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var s Summary
	for _, c := range changes {
		src := filepath.Join(staging, filepath.FromSlash(c.Path))
		dst := filepath.Join(live, filepath.FromSlash(c.Path))

		switch c.Kind {
		case Added, Modified:
			if !opts.DryRun {
				if err := fsutil.CopyFileAtomic(src, dst); err != nil {
					return s, fmt.Errorf("promote %s: %w", c.Path, err)
				}
			}
			s.Copied = append(s.Copied, c.Path)
			logger.Debug("promoted file", "path", c.Path, "kind", c.Kind, "dry_run", opts.DryRun)
		case Removed:
			if !opts.Delete {
				s.Skipped = append(s.Skipped, c.Path)
				continue
			}
			if !opts.DryRun {
				if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
					return s, fmt.Errorf("remove %s: %w", c.Path, err)
				}
			}
			s.Removed = append(s.Removed, c.Path)
			logger.Debug("removed file", "path", c.Path, "dry_run", opts.DryRun)
		default:
			return s, fmt.Errorf("unknown change kind %q for %s", c.Kind, c.Path)
		}
	}
	return s, nil
}
