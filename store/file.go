package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const fileRecordVersion = 1

type fileRecord struct {
	Version      int    `json:"v"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"`
	StaleChecks  uint8  `json:"staleChecks,omitempty"`
	Notice       string `json:"notice,omitempty"`
}

// FilePersister keeps the record in a JSON file readable only by its owner.
// Writes go to a temporary file that is renamed over the target.
type FilePersister struct {
	path string

	mu sync.Mutex
	// selfRemovals counts removals done by Delete that Watch has not seen yet.
	selfRemovals int
}

// NewFilePersister returns a persister for path.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: filepath.Clean(path)}
}

// Path returns the file location.
func (p *FilePersister) Path() string {
	return p.path
}

// Load implements Persister.
func (p *FilePersister) Load(_ context.Context) (*Record, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var fr fileRecord
	if err := json.Unmarshal(data, &fr); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	if fr.Version != fileRecordVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptRecord, fr.Version)
	}

	rec := &Record{Notice: fr.Notice}
	if fr.AccessToken != "" {
		rec.Session = &Session{
			AccessToken:  fr.AccessToken,
			RefreshToken: fr.RefreshToken,
			StaleChecks:  fr.StaleChecks,
		}
		if fr.ExpiresAt != 0 {
			rec.Session.ExpiresAt = time.UnixMilli(fr.ExpiresAt)
		}
	}
	return rec, nil
}

// Save implements Persister.
func (p *FilePersister) Save(_ context.Context, rec *Record) error {
	fr := fileRecord{Version: fileRecordVersion, Notice: rec.Notice}
	if rec.Session != nil {
		fr.AccessToken = rec.Session.AccessToken
		fr.RefreshToken = rec.Session.RefreshToken
		fr.StaleChecks = rec.Session.StaleChecks
		if !rec.Session.ExpiresAt.IsZero() {
			fr.ExpiresAt = rec.Session.ExpiresAt.UnixMilli()
		}
	}
	data, err := json.Marshal(fr)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod session file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		cleanup()
		return fmt.Errorf("rename session file: %w", err)
	}
	return nil
}

// Delete implements Persister.
func (p *FilePersister) Delete(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := os.Remove(p.path)
	if err == nil {
		p.selfRemovals++
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("remove session file: %w", err)
}

// Watch blocks until ctx is done, calling onRemoved whenever the session file
// disappears while this process did not remove it. Another process logging
// out (or a user deleting the file) is reported that way.
func (p *FilePersister) Watch(ctx context.Context, onRemoved func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	// The directory is watched because the file itself is replaced on every save.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch session dir: %w", err)
	}
	p.mu.Lock()
	p.selfRemovals = 0
	p.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if event.Op&fsnotify.Remove == fsnotify.Remove || event.Op&fsnotify.Rename == fsnotify.Rename {
				if p.removedExternally() {
					onRemoved()
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("file watcher: %w", err)
		}
	}
}

func (p *FilePersister) removedExternally() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.selfRemovals > 0 {
		p.selfRemovals--
		return false
	}
	_, err := os.Stat(p.path)
	return errors.Is(err, fs.ErrNotExist)
}

var _ Persister = (*FilePersister)(nil)
