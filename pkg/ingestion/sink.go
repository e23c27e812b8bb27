package ingestion

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/antcode/antcode/pkg/apperr"
	"github.com/antcode/antcode/pkg/storage"
)

// FileSink appends log lines to the execution's OutputLogPath/ErrorLogPath
// (set when the execution row is created, spec §4.6 step 3). A per-path
// mutex serializes writers since a fragment and a batch group can race on
// the same file.
type FileSink struct {
	store storage.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileSink builds a FileSink that resolves log paths through store.
func NewFileSink(store storage.Store) *FileSink {
	return &FileSink{store: store, locks: make(map[string]*sync.Mutex)}
}

func (fs *FileSink) lockFor(path string) *sync.Mutex {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	l, ok := fs.locks[path]
	if !ok {
		l = &sync.Mutex{}
		fs.locks[path] = l
	}
	return l
}

func (fs *FileSink) Write(_ context.Context, executionID string, logType LogType, lines []string) error {
	exec, err := fs.store.GetExecution(executionID)
	if err != nil {
		return err
	}

	path := exec.OutputLogPath
	if logType == LogError {
		path = exec.ErrorLogPath
	}
	if path == "" {
		return apperr.New(apperr.KindValidation, "execution has no log path for "+string(logType))
	}

	lock := fs.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.WriteString(line); err != nil {
			return err
		}
		if !strings.HasSuffix(line, "\n") {
			if err := w.WriteByte('\n'); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}
