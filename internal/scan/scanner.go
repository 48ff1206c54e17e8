package scan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	// MaxFileSize is the largest file scanned; bigger files are assets, not code.
	MaxFileSize = 2 << 20

	maxTextLen   = 200
	binarySniffN = 8000
)

// DefaultSkipDirs are never descended into.
var DefaultSkipDirs = []string{".git", ".godot", ".import", "node_modules"}

// Finding is one rule match. Path is slash-separated and relative to the scan root.
type Finding struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Rule string `json:"rule"`
	Text string `json:"text"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s:%d: [%s] %s", f.Path, f.Line, f.Rule, f.Text)
}

// Scanner applies Rules to every text file under a root.
type Scanner struct {
	Rules       []Rule
	SkipDirs    []string
	MaxFileSize int64
	// Logger reports files skipped for lack of permission. Defaults to slog.Default().
	Logger *slog.Logger
}

// New returns a scanner with the built-in rules plus extra.
func New(extra []Rule) (*Scanner, error) {
	rules, err := MergeRules(BuiltinRules(), extra)
	if err != nil {
		return nil, err
	}
	return &Scanner{Rules: rules, SkipDirs: DefaultSkipDirs, MaxFileSize: MaxFileSize}, nil
}

// Scan walks root in lexical order. Findings are sorted by path, line, then rule.
func (s *Scanner) Scan(root string) ([]Finding, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("scan root: %w", err)
	}
	if !info.IsDir() {
		findings, err := s.scanFile(filepath.Dir(root), root)
		if err != nil {
			return nil, err
		}
		sortFindings(findings)
		return findings, nil
	}

	skip := make(map[string]bool, len(s.SkipDirs))
	for _, d := range s.SkipDirs {
		skip[d] = true
	}

	var findings []Finding
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path != root && errors.Is(err, fs.ErrPermission) {
				s.logger().Warn("skipping unreadable path", "path", path, "error", err)
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != root && skip[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		found, err := s.scanFile(root, path)
		if errors.Is(err, fs.ErrPermission) {
			s.logger().Warn("skipping unreadable file", "path", path, "error", err)
			return nil
		}
		if err != nil {
			return err
		}
		findings = append(findings, found...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortFindings(findings)
	return findings, nil
}

func (s *Scanner) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func sortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Rule < b.Rule
	})
}

func (s *Scanner) scanFile(root, path string) ([]Finding, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	limit := s.MaxFileSize
	if limit <= 0 {
		limit = MaxFileSize
	}
	if info.Size() > limit {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if isBinary(data) {
		return nil, nil
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)

	var rules []*Rule
	for i := range s.Rules {
		if s.Rules[i].re != nil && s.Rules[i].appliesTo(path) {
			rules = append(rules, &s.Rules[i])
		}
	}
	if len(rules) == 0 {
		return nil, nil
	}

	var findings []Finding
	for n, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		for _, r := range rules {
			if r.re.MatchString(line) {
				findings = append(findings, Finding{Path: rel, Line: n + 1, Rule: r.Name, Text: clip(strings.TrimSpace(line))})
			}
		}
	}
	return findings, nil
}

func isBinary(data []byte) bool {
	if len(data) > binarySniffN {
		data = data[:binarySniffN]
	}
	return bytes.IndexByte(data, 0) >= 0
}

// clip cuts s to at most maxTextLen bytes on a rune boundary.
func clip(s string) string {
	if len(s) <= maxTextLen {
		return s
	}
	n := maxTextLen
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// WriteText prints one "path:line: [rule] text" line per finding.
func WriteText(w io.Writer, findings []Finding) error {
	for _, f := range findings {
		if _, err := fmt.Fprintln(w, f.String()); err != nil {
			return err
		}
	}
	return nil
}

// WriteJSON prints findings as an indented JSON array ("[]" when empty).
func WriteJSON(w io.Writer, findings []Finding) error {
	if findings == nil {
		findings = []Finding{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(findings)
}
