// Package app wires the per-account object graph: tree, store, remote
// directory, the sync components and the note service.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/and161185/notesync/internal/config"
	"github.com/and161185/notesync/internal/errs"
	"github.com/and161185/notesync/internal/notes"
	"github.com/and161185/notesync/internal/notesync"
	"github.com/and161185/notesync/internal/persist"
	"github.com/and161185/notesync/internal/remote"
	"github.com/and161185/notesync/internal/repository"
	"github.com/and161185/notesync/internal/service"
)

// Options are the collaborators shared by every profile of a registry.
type Options struct {
	Fs    afero.Fs
	Clock clockwork.Clock
	Log   *zap.Logger
	// Repo persists remote directories; nil keeps them in memory.
	Repo repository.DirectoryRepository
	// OnSyncError receives unrecoverable sync errors of any profile.
	OnSyncError func(account string, err error)
}

func (o *Options) defaults() {
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
}

// Profile is one account's notes with everything needed to edit and sync them.
type Profile struct {
	Account string
	Model   *notes.Model
	Store   *persist.Store
	Dir     *remote.Directory
	Table   *notesync.AssociationTable
	Notes   *service.NoteServiceImpl

	log       *zap.Logger
	processor *notesync.ChangeProcessor
	closeOnce sync.Once
	closeErr  error
}

// OpenProfile loads account's notes file and remote directory.
func OpenProfile(ctx context.Context, cfg *config.Config, account string, opts Options) (*Profile, error) {
	opts.defaults()
	log := opts.Log.With(zap.String("account", account))

	path := filepath.Join(cfg.ProfileDir(account), cfg.NotesFile)
	store := persist.NewStore(opts.Fs, path,
		persist.WithSaveDelay(cfg.SaveDelay),
		persist.WithBackupSuffix(cfg.BackupSuffix),
		persist.WithClock(opts.Clock),
		persist.WithLogger(log),
	)
	m := notes.NewModel(notes.WithLogger(log), notes.WithClock(opts.Clock))
	store.Attach(m)
	m.LoadSync(ctx, store)

	dirOpts := []remote.Option{remote.WithLogger(log)}
	if opts.Repo != nil {
		dirOpts = append(dirOpts, remote.WithRepository(opts.Repo, account))
	}
	dir, err := remote.Open(ctx, dirOpts...)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	if err := dir.EnsurePermanentFolders(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}

	p := &Profile{
		Account: account,
		Model:   m,
		Store:   store,
		Dir:     dir,
		Table:   notesync.NewAssociationTable(),
		Notes:   service.NewNoteService(m, 0, log),
		log:     log,
	}
	var errh notesync.ErrorHandler
	if opts.OnSyncError != nil {
		errh = notesync.ErrorHandlerFunc(func(err error) { opts.OnSyncError(account, err) })
	}
	p.processor = notesync.NewChangeProcessor(m, dir, p.Table, errh, log)
	return p, nil
}

// StartSync associates both trees and starts mirroring changes. Calling it
// again re-associates, which is how sync resumes after an unrecoverable error.
//
// A tree that claims a newer version than the directory, because a commit was
// never persisted or the directory was rebuilt, has its stored versions
// cleared and is associated again with a full merge.
func (p *Profile) StartSync(ctx context.Context) (*notesync.MergeResult, error) {
	p.processor.Stop()
	a := notesync.NewAssociator(p.Model, p.Dir, p.Table, p.log)
	res, err := a.Associate(ctx)
	if errs.IsPersistence(err) {
		p.log.Warn("notes ahead of directory, running a full merge", zap.Error(err))
		if err := p.Model.ClearSyncVersions(); err != nil {
			return nil, err
		}
		res, err = a.Associate(ctx)
	}
	if err != nil {
		return nil, err
	}
	p.processor.Start(ctx)
	return res, nil
}

// Syncing reports whether changes are being mirrored.
func (p *Profile) Syncing() bool { return !p.processor.Stopped() }

// Close stops sync and flushes pending saves.
func (p *Profile) Close() error {
	p.closeOnce.Do(func() {
		p.processor.Stop()
		p.closeErr = p.Model.Close()
	})
	return p.closeErr
}

// Registry hands out one Profile per account.
type Registry struct {
	cfg  *config.Config
	opts Options

	mu       sync.Mutex
	profiles map[string]*Profile
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg *config.Config, opts Options) *Registry {
	opts.defaults()
	return &Registry{cfg: cfg, opts: opts, profiles: make(map[string]*Profile)}
}

// Get returns the profile of account, opening it on first use.
func (r *Registry) Get(ctx context.Context, account string) (*Profile, error) {
	c := *r.cfg
	c.Account = account
	if err := c.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.profiles[account]; ok {
		return p, nil
	}
	p, err := OpenProfile(ctx, r.cfg, account, r.opts)
	if err != nil {
		return nil, err
	}
	r.profiles[account] = p
	return p, nil
}

// Accounts lists the open profiles.
func (r *Registry) Accounts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.profiles))
	for a := range r.profiles {
		out = append(out, a)
	}
	return out
}

// Close closes every profile.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var failed []error
	for a, p := range r.profiles {
		if err := p.Close(); err != nil {
			failed = append(failed, fmt.Errorf("close %s: %w", a, err))
		}
		delete(r.profiles, a)
	}
	return errors.Join(failed...)
}
