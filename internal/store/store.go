// Package store persists submission records in one versioned SQLite database per user.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/MarcoPoloResearchLab/subsync/internal/database"
	"github.com/MarcoPoloResearchLab/subsync/internal/submissions"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseSuffix is appended to the user identifier to name the user's database file.
const DatabaseSuffix = "_submissions.db"

var (
	// ErrStoreUnavailable indicates that the user's database could not be opened or created.
	ErrStoreUnavailable = errors.New("store: unavailable")
	// ErrRead indicates that a full scan of the cached submissions failed.
	ErrRead = errors.New("store: read failed")
	// ErrWrite indicates that a single submission upsert failed.
	ErrWrite = errors.New("store: write failed")

	errMissingHandle = errors.New("store handle is required")
)

// Opener opens a database at path with the schema migrated to the latest version.
type Opener func(path string, logger *zap.Logger) (*gorm.DB, error)

// Config describes where and how user databases are created.
type Config struct {
	Directory string
	Logger    *zap.Logger
	Opener    Opener
}

// Store hands out one lazily created Handle per user and keeps it open for reuse.
type Store struct {
	directory string
	logger    *zap.Logger
	open      Opener

	mu      sync.Mutex
	handles map[submissions.UserID]*Handle
}

// Handle scopes persistence operations to a single user's database.
type Handle struct {
	name   string
	userID submissions.UserID
	db     *gorm.DB
}

// Name returns the database file name backing the handle.
func (h *Handle) Name() string {
	if h == nil {
		return ""
	}
	return h.name
}

// UserID returns the user the handle belongs to.
func (h *Handle) UserID() submissions.UserID {
	if h == nil {
		return ""
	}
	return h.userID
}

// New constructs a Store rooted at cfg.Directory.
func New(cfg Config) (*Store, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("store: directory is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opener := cfg.Opener
	if opener == nil {
		opener = database.OpenSQLite
	}
	return &Store{
		directory: cfg.Directory,
		logger:    logger,
		open:      opener,
		handles:   make(map[submissions.UserID]*Handle),
	}, nil
}

// DatabaseName derives the database file name for userID.
func DatabaseName(userID submissions.UserID) string {
	return userID.String() + DatabaseSuffix
}

// Open returns the handle for userID, creating the database on first use.
func (s *Store) Open(ctx context.Context, userID submissions.UserID) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, submissions.ErrInvalidUserID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if handle, ok := s.handles[userID]; ok {
		return handle, nil
	}

	name := DatabaseName(userID)
	db, err := s.open(filepath.Join(s.directory, name), s.logger)
	if err != nil {
		s.logger.Warn("store open failed",
			zap.String("user_id", userID.String()),
			zap.String("database", name),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	handle := &Handle{name: name, userID: userID, db: db}
	s.handles[userID] = handle
	return handle, nil
}

// LoadAll returns every submission persisted for the handle in unspecified order.
func (s *Store) LoadAll(ctx context.Context, handle *Handle) ([]submissions.Submission, error) {
	if handle == nil || handle.db == nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, errMissingHandle)
	}

	var stored []submissions.Submission
	if err := handle.db.WithContext(ctx).Find(&stored).Error; err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	return stored, nil
}

// Save upserts one submission keyed by its identifier.
func (s *Store) Save(ctx context.Context, handle *Handle, submission submissions.Submission) error {
	if handle == nil || handle.db == nil {
		return fmt.Errorf("%w: %w", ErrWrite, errMissingHandle)
	}

	record := submission
	err := handle.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("%w: submission %d: %w", ErrWrite, submission.ID, err)
	}
	return nil
}

// Close releases every handle opened by the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for userID, handle := range s.handles {
		sqlDB, err := handle.db.DB()
		if err == nil {
			err = sqlDB.Close()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", handle.name, err))
		}
		delete(s.handles, userID)
	}
	return errors.Join(errs...)
}
