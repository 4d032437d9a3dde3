// Package progress tracks completed archive ids in a flat text file,
// one id per line, so an interrupted batch resumes where it stopped.
// The format is a contract with operators who hand-edit the file to
// force re-ingestion.
package progress

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"log/slog"
)

// Load reads the completed-id set. A missing file is an empty set, not
// an error; malformed lines are skipped with a warning so one stray
// edit never blocks a batch.
func Load(path string) (map[int]bool, error) {
	done := make(map[int]bool)

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return done, nil
		}
		return nil, fmt.Errorf("opening progress file: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, err := strconv.Atoi(line)
		if err != nil {
			slog.Warn("Skipping malformed progress line", "line", line)
			continue
		}
		done[id] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading progress file: %w", err)
	}
	return done, nil
}

// Append records one completed id. The append is flushed before
// returning so a crash right after never loses the completion.
func Append(path string, id int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating progress dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening progress file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", id); err != nil {
		_ = f.Close()
		return fmt.Errorf("appending to progress file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("syncing progress file: %w", err)
	}
	return f.Close()
}
