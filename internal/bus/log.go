package bus

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ShayCichocki/squad/internal/logging"
)

// GlobalLogPath returns the global message log under a session root.
func GlobalLogPath(root string) string {
	return filepath.Join(root, messagesDir, globalLogName)
}

// InboxLogPath returns a worker's inbox log under a session root.
func InboxLogPath(root, workerID string) string {
	return filepath.Join(root, messagesDir, workerID+"_inbox.jsonl")
}

// ReadLog decodes a JSONL message log. Lines with a kind outside the closed
// set are skipped with a warning; any other malformed line is an error.
func ReadLog(path string, logger *slog.Logger) ([]Message, error) {
	logger = logging.OrNop(logger)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open message log: %w", err)
	}
	defer f.Close()

	var msgs []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			if errors.Is(err, ErrUnknownKind) {
				logger.Warn("skipping message with unknown kind", "path", path, "line", lineNo, "error", err)
				continue
			}
			return msgs, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return msgs, fmt.Errorf("scan message log: %w", err)
	}
	return msgs, nil
}
