package history

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/nfrund/chatrelay/internal/message"
	"github.com/spf13/afero"
)

// LoadError means the persisted history could not be read or parsed. The
// relay must not start when Load returns one.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load history %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// SaveError means the snapshot could not be written to its file.
type SaveError struct {
	Path string
	Err  error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save history %s: %v", e.Path, e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }

// Load reads the history file at path. A missing or zero-length file yields
// an empty store; anything else that cannot be read or parsed is a *LoadError.
func Load(fsys afero.Fs, path string) (*Store, error) {
	data, err := afero.ReadFile(fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("No history file found, starting with an empty history", "path", path)
		return NewStore(), nil
	}
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return NewStore(), nil
	}

	msgs, err := message.DecodeAll(data)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	slog.Info("Loaded message history", "path", path, "messages", len(msgs))
	return &Store{msgs: msgs}, nil
}

// Save writes the current snapshot to path, replacing the previous file
// atomically: the data goes to a sibling temp file which is then renamed
// over path. The store's lock is held only while taking the snapshot.
func (s *Store) Save(fsys afero.Fs, path string) error {
	return saveSnapshot(fsys, path, s.Snapshot())
}

// Persist saves the store and, if that fails, writes the snapshot to
// fallback so an operator can recover it. The save error is returned either
// way.
func (s *Store) Persist(fsys afero.Fs, path string, fallback io.Writer) error {
	snapshot := s.Snapshot()
	err := saveSnapshot(fsys, path, snapshot)
	if err == nil {
		slog.Info("Saved message history", "path", path, "messages", len(snapshot))
		return nil
	}

	slog.Error("Failed to save message history, dumping snapshot", "path", path, "messages", len(snapshot), "error", err)
	data, encErr := message.EncodeAll(snapshot)
	if encErr != nil {
		slog.Error("Failed to encode history snapshot for dump", "error", encErr)
		return err
	}
	if _, werr := fmt.Fprintf(fallback, "%s\n", data); werr != nil {
		slog.Error("Failed to dump history snapshot", "error", werr)
		return err
	}
	slog.Warn("History snapshot dumped", "bytes", len(data))
	return err
}

func saveSnapshot(fsys afero.Fs, path string, snapshot []message.Message) error {
	data, err := message.EncodeAll(snapshot)
	if err != nil {
		return &SaveError{Path: path, Err: err}
	}
	if err := writeAtomic(fsys, path, data); err != nil {
		return &SaveError{Path: path, Err: err}
	}
	return nil
}

func writeAtomic(fsys afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := afero.TempFile(fsys, dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = fsys.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := fsys.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := fsys.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
