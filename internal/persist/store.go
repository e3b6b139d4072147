package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/and161185/notesync/internal/notes"
)

// DefaultSaveDelay is how long ScheduleSave coalesces writes.
const DefaultSaveDelay = 2500 * time.Millisecond

// SnapshotSource provides the tree to write. *notes.Model implements it.
type SnapshotSource interface {
	Snapshot() *notes.Snapshot
}

// Store loads and saves one notes file. It implements notes.Storage.
type Store struct {
	fs           afero.Fs
	path         string
	backupSuffix string
	delay        time.Duration
	clock        clockwork.Clock
	log          *zap.Logger

	mu     sync.Mutex
	source SnapshotSource
	timer  clockwork.Timer
	gen    uint64

	writeMu sync.Mutex
}

var _ notes.Storage = (*Store)(nil)

// StoreOption configures a Store.
type StoreOption func(*Store)

func WithSaveDelay(d time.Duration) StoreOption { return func(s *Store) { s.delay = d } }
func WithClock(c clockwork.Clock) StoreOption    { return func(s *Store) { s.clock = c } }
func WithLogger(l *zap.Logger) StoreOption       { return func(s *Store) { s.log = l } }

// WithBackupSuffix names the copy taken before load; empty disables it.
func WithBackupSuffix(suffix string) StoreOption {
	return func(s *Store) { s.backupSuffix = suffix }
}

// NewStore creates a store for path on fs.
func NewStore(fs afero.Fs, path string, opts ...StoreOption) *Store {
	s := &Store{
		fs:           fs,
		path:         path,
		backupSuffix: ".bak",
		delay:        DefaultSaveDelay,
		clock:        clockwork.NewRealClock(),
		log:          zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Attach sets the tree written by scheduled saves.
func (s *Store) Attach(src SnapshotSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = src
}

// Path returns the notes file path.
func (s *Store) Path() string { return s.path }

// Load reads the notes file. A missing or unreadable file yields an empty tree;
// only context cancellation is returned as an error.
func (s *Store) Load(ctx context.Context) (*notes.LoadDetails, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Info("no notes file, starting empty", zap.String("path", s.path))
		return notes.EmptyLoadDetails(), nil
	}
	if err != nil {
		s.log.Warn("read notes file", zap.String("path", s.path), zap.Error(err))
		return notes.EmptyLoadDetails(), nil
	}
	if s.backupSuffix != "" {
		if err := afero.WriteFile(s.fs, s.path+s.backupSuffix, data, 0o600); err != nil {
			s.log.Warn("write backup", zap.String("path", s.path+s.backupSuffix), zap.Error(err))
		}
	}
	d, err := Decode(data)
	if err != nil {
		s.log.Warn("corrupt notes file, starting empty", zap.String("path", s.path), zap.Error(err))
		return notes.EmptyLoadDetails(), nil
	}
	if d.StoredChecksum != d.ComputedChecksum {
		s.log.Warn("notes file checksum mismatch", zap.String("path", s.path))
	}
	return d, nil
}

// ScheduleSave arms the save timer unless a save is already pending.
func (s *Store) ScheduleSave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		return
	}
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(s.delay, func() { s.fire(gen) })
}

func (s *Store) fire(gen uint64) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	if s.gen != gen || s.timer == nil {
		// Flushed, or superseded by a newer timer.
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()
	if err := s.save(); err != nil {
		s.log.Error("save notes", zap.String("path", s.path), zap.Error(err))
	}
}

// HasPendingSave reports whether a scheduled save has not run yet.
func (s *Store) HasPendingSave() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Flush runs a pending save synchronously. It also waits for a timer-driven
// save that is already writing.
func (s *Store) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	pending := s.timer != nil
	if pending {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	if !pending {
		return nil
	}
	return s.save()
}

// SaveNow writes the attached tree immediately.
func (s *Store) SaveNow() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.save()
}

// save writes temp file first, then renames it over path. writeMu must be held.
func (s *Store) save() error {
	s.mu.Lock()
	src := s.source
	s.mu.Unlock()
	if src == nil {
		return nil
	}
	snap := src.Snapshot()
	if snap == nil {
		return nil
	}
	data, err := Encode(snap)
	if err != nil {
		return err
	}

	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	s.log.Debug("notes saved", zap.String("path", s.path), zap.Int("bytes", len(data)))
	return nil
}
