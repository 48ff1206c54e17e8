package queue

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jeanhaley32/sapphire-bee/internal/constants"
	"github.com/jeanhaley32/sapphire-bee/internal/history"
)

// Result logs are append-only so a retried task keeps the log of every attempt.
//
//	=== task 001-setup.md started 2026-03-01T12:00:00Z ===
//	<agent stdout and stderr>
//	=== status=failed exit_code=1 duration=4.2s finished 2026-03-01T12:00:04Z ===

type footer struct {
	Status   history.Status
	ExitCode int
	Finished time.Time
	Duration time.Duration
	Detail   string
}

func openResultLog(path, name string, started time.Time) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, constants.PublicFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to open result log: %w", err)
	}
	if _, err := fmt.Fprintf(f, "=== task %s started %s ===\n", name, started.UTC().Format(time.RFC3339)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write result log: %w", err)
	}
	return f, nil
}

func writeFooter(w io.Writer, ft footer) error {
	line := fmt.Sprintf("\n=== status=%s exit_code=%d duration=%s finished %s", ft.Status, ft.ExitCode,
		ft.Duration.Round(time.Millisecond), ft.Finished.UTC().Format(time.RFC3339))
	if ft.Detail != "" {
		line += fmt.Sprintf(" detail=%q", ft.Detail)
	}
	_, err := fmt.Fprintln(w, line+" ===")
	return err
}

func appendFooter(path string, ft footer) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, constants.PublicFilePermissions)
	if err != nil {
		return err
	}
	if err := writeFooter(f, ft); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// appendResultLog writes a complete entry: header, body and footer.
func appendResultLog(path, name string, started time.Time, body func(io.Writer), ft footer) error {
	f, err := openResultLog(path, name, started)
	if err != nil {
		return err
	}
	if body != nil {
		body(f)
	}
	if err := writeFooter(f, ft); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
