// Package queue implements the directory-as-mailbox task queue:
// queue/ -> processing/ -> completed/ | failed/, with a log per task in results/.
package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jeanhaley32/sapphire-bee/internal/constants"
	"github.com/jeanhaley32/sapphire-bee/internal/fsutil"
)

// ErrLocked is returned when another watcher already consumes the queue root.
var ErrLocked = errors.New("queue is already being watched")

// LockFile is the flock file guarding a queue root.
const LockFile = ".watcher.lock"

// Layout names the directories under a queue root.
type Layout struct {
	Root string
}

func (l Layout) Queue() string      { return filepath.Join(l.Root, constants.QueueDir) }
func (l Layout) Processing() string { return filepath.Join(l.Root, constants.ProcessingDir) }
func (l Layout) Completed() string  { return filepath.Join(l.Root, constants.CompletedDir) }
func (l Layout) Failed() string     { return filepath.Join(l.Root, constants.FailedDir) }
func (l Layout) Results() string    { return filepath.Join(l.Root, constants.ResultsDir) }

// ResultLog is the log path for a task file name.
func (l Layout) ResultLog(name string) string {
	return filepath.Join(l.Results(), Stem(name)+".log")
}

// EnsureLayout creates every queue directory.
func (l Layout) EnsureLayout() error {
	if l.Root == "" {
		return fmt.Errorf("queue root is not set")
	}
	for _, dir := range []string{l.Queue(), l.Processing(), l.Completed(), l.Failed(), l.Results()} {
		if err := os.MkdirAll(dir, constants.DirPermissions); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Snapshot lists the task names in each state, sorted.
type Snapshot struct {
	Queued     []string
	Processing []string
	Completed  []string
	Failed     []string
}

// List reports the task files in each state directory.
func (l Layout) List() (Snapshot, error) {
	var (
		s   Snapshot
		err error
	)
	if s.Queued, err = taskFiles(l.Queue()); err != nil {
		return s, err
	}
	if s.Processing, err = taskFiles(l.Processing()); err != nil {
		return s, err
	}
	if s.Completed, err = taskFiles(l.Completed()); err != nil {
		return s, err
	}
	if s.Failed, err = taskFiles(l.Failed()); err != nil {
		return s, err
	}
	return s, nil
}

// Enqueue writes a task file into queue/ atomically so a running watcher never
// picks up a partial prompt.
func (l Layout) Enqueue(name string, content []byte) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if err := l.EnsureLayout(); err != nil {
		return "", err
	}
	path := filepath.Join(l.Queue(), name)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("task %s is already queued", name)
	}
	if err := fsutil.WriteFileAtomic(path, content, constants.PublicFilePermissions); err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", name, err)
	}
	return path, nil
}

// Retry moves failed/<name> back into queue/.
func (l Layout) Retry(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	src := filepath.Join(l.Failed(), name)
	dst := filepath.Join(l.Queue(), name)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no failed task named %s", name)
		}
		return err
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("task %s is already queued", name)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to requeue %s: %w", name, err)
	}
	return nil
}

// ValidateName rejects names that would escape the queue directory or be ignored by it.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("task name is empty")
	case name != filepath.Base(name) || strings.ContainsRune(name, os.PathSeparator):
		return fmt.Errorf("task name %q must not contain a path", name)
	case ignored(name):
		return fmt.Errorf("task name %q would be ignored by the watcher", name)
	}
	return nil
}

// Stem is the task name without its final extension.
func Stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// ignored reports names the watcher never treats as tasks: hidden files,
// in-flight atomic writes and editor temp files.
func ignored(name string) bool {
	return strings.HasPrefix(name, ".") || fsutil.IsTempName(name) || strings.HasSuffix(name, ".tmp")
}

// taskFiles returns regular, non-ignored files in dir in lexicographic order.
func taskFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || ignored(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
