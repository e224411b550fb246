// Package syncer incrementally synchronizes a user's submission history into the local store.
package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/subsync/internal/store"
	"github.com/MarcoPoloResearchLab/subsync/internal/submissions"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultSafetyWindow is how far behind the latest cached submission a sync resumes.
	DefaultSafetyWindow = 48 * time.Hour
	// DefaultMaxPages bounds the number of pages requested by a single sync.
	DefaultMaxPages = 1000
	// DefaultSaveConcurrency is the number of concurrent upserts while persisting.
	DefaultSaveConcurrency = 4
)

var noOpLogger = zap.NewNop()

// Mode reports whether a sync went through the local store.
type Mode string

const (
	// ModeCached means the local store was opened and updated.
	ModeCached Mode = "cached"
	// ModeCold means the local store was unavailable and nothing was persisted.
	ModeCold Mode = "cold"
)

// LocalStore is the persistence contract the engine requires.
type LocalStore interface {
	Open(ctx context.Context, userID submissions.UserID) (*store.Handle, error)
	LoadAll(ctx context.Context, handle *store.Handle) ([]submissions.Submission, error)
	Save(ctx context.Context, handle *store.Handle, submission submissions.Submission) error
}

// Fetcher returns submissions of userID with EpochSecond >= fromSecond; an empty page ends the cursor.
type Fetcher interface {
	FetchSubmissionsPage(ctx context.Context, userID submissions.UserID, fromSecond int64) ([]submissions.Submission, error)
}

// Config describes the engine dependencies and tunables.
type Config struct {
	Store           LocalStore
	Fetcher         Fetcher
	IDProvider      IDProvider
	Logger          *zap.Logger
	SafetyWindow    time.Duration
	MaxPages        int
	SaveConcurrency int
	PageDelay       time.Duration
}

// Engine produces deduplicated, up-to-date submission sets and grows the local cache.
type Engine struct {
	store           LocalStore
	fetcher         Fetcher
	idProvider      IDProvider
	logger          *zap.Logger
	safetyWindow    time.Duration
	maxPages        int
	saveConcurrency int
	pageDelay       time.Duration
}

// Report describes the outcome of one sync run.
type Report struct {
	RunID           string
	UserID          submissions.UserID
	Mode            Mode
	ResumeSecond    int64
	Pages           int
	Fetched         int
	Persisted       int
	FailedWrites    int
	CacheReadFailed bool
	NewIDs          []int64
	Submissions     []submissions.Submission
}

// NewEngine validates cfg and fills in defaults.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opEngineNew, reasonMissingStore, nil, errMissingStore)
	}
	if cfg.Fetcher == nil {
		return nil, newServiceError(opEngineNew, reasonMissingFetcher, nil, errMissingFetcher)
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	safetyWindow := cfg.SafetyWindow
	if safetyWindow <= 0 {
		safetyWindow = DefaultSafetyWindow
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	saveConcurrency := cfg.SaveConcurrency
	if saveConcurrency <= 0 {
		saveConcurrency = DefaultSaveConcurrency
	}
	pageDelay := cfg.PageDelay
	if pageDelay < 0 {
		pageDelay = 0
	}

	return &Engine{
		store:           cfg.Store,
		fetcher:         cfg.Fetcher,
		idProvider:      idProvider,
		logger:          logger,
		safetyWindow:    safetyWindow,
		maxPages:        maxPages,
		saveConcurrency: saveConcurrency,
		pageDelay:       pageDelay,
	}, nil
}

// ResumeSecond computes the fromSecond cursor for a sync given the cached submissions.
// An empty cache resumes from zero; otherwise the result is at most the latest cached
// EpochSecond and, for positive timestamps, never below one.
func ResumeSecond(cached []submissions.Submission, safetyWindow time.Duration) int64 {
	if len(cached) == 0 {
		return 0
	}
	latest := submissions.LatestEpochSecond(cached)
	resume := latest - int64(safetyWindow/time.Second)
	if resume < 1 {
		resume = 1
	}
	if resume > latest {
		resume = max(latest, 0)
	}
	return resume
}

// Sync returns the merged, id-unique submissions of userID sorted by ID.
func (e *Engine) Sync(ctx context.Context, userID submissions.UserID) ([]submissions.Submission, error) {
	report, err := e.SyncWithReport(ctx, userID)
	if err != nil {
		return nil, err
	}
	return report.Submissions, nil
}

// SyncWithReport performs a sync and returns the submissions together with run diagnostics.
func (e *Engine) SyncWithReport(ctx context.Context, userID submissions.UserID) (Report, error) {
	runID, err := e.idProvider.NewID()
	if err != nil {
		e.logWarn(opSync, reasonRunIDFailed, err)
		runID = ""
	}
	logger := e.logger.With(zap.String("run_id", runID), zap.String("user_id", userID.String()))
	report := Report{RunID: runID, UserID: userID, Mode: ModeCached}

	handle, err := e.store.Open(ctx, userID)
	if err != nil {
		logger.Warn("local store unavailable, fetching without cache",
			zap.String("operation", opSync),
			zap.String("reason", reasonStoreUnavailable),
			zap.Error(err))
		return e.coldSync(ctx, logger, report)
	}

	cached, err := e.store.LoadAll(ctx, handle)
	if err != nil {
		logger.Warn("cache read failed, resuming from zero",
			zap.String("operation", opSync),
			zap.String("reason", reasonCacheReadFailed),
			zap.Error(err))
		report.CacheReadFailed = true
		cached = nil
	}
	submissions.SortByID(cached)

	report.ResumeSecond = ResumeSecond(cached, e.safetyWindow)
	fetched, pages, fetchErr := e.fetchAll(ctx, logger, userID, report.ResumeSecond)
	report.Pages = pages
	if fetchErr != nil && !errors.Is(fetchErr, ErrFetchExhaustionExceeded) {
		return Report{}, fetchErr
	}

	fresh := submissions.Merge(fetched)
	persisted, failed := e.persist(ctx, logger, handle, fresh)
	if fetchErr != nil {
		return Report{}, fetchErr
	}

	report.Fetched = len(fetched)
	report.Persisted = persisted
	report.FailedWrites = failed
	report.NewIDs = newIDs(cached, fresh)
	report.Submissions = submissions.Merge(cached, fresh)

	logger.Info("submissions synced",
		zap.String("mode", string(report.Mode)),
		zap.Int64("resume_second", report.ResumeSecond),
		zap.Int("pages", report.Pages),
		zap.Int("fetched", report.Fetched),
		zap.Int("new", len(report.NewIDs)),
		zap.Int("persisted", report.Persisted),
		zap.Int("failed_writes", report.FailedWrites),
		zap.Int("total", len(report.Submissions)))
	return report, nil
}

func (e *Engine) coldSync(ctx context.Context, logger *zap.Logger, report Report) (Report, error) {
	report.Mode = ModeCold
	fetched, pages, err := e.fetchAll(ctx, logger, report.UserID, 0)
	if err != nil {
		return Report{}, err
	}
	report.Pages = pages
	report.Fetched = len(fetched)
	report.Submissions = submissions.Merge(fetched)
	report.NewIDs = submissions.IDs(report.Submissions)

	logger.Info("submissions synced",
		zap.String("mode", string(report.Mode)),
		zap.Int("pages", report.Pages),
		zap.Int("fetched", report.Fetched),
		zap.Int("total", len(report.Submissions)))
	return report, nil
}

// fetchAll pages through the remote starting at fromSecond. On ErrFetchExhaustionExceeded
// the pages gathered so far are returned alongside the error.
func (e *Engine) fetchAll(ctx context.Context, logger *zap.Logger, userID submissions.UserID, fromSecond int64) ([]submissions.Submission, int, error) {
	var accumulated []submissions.Submission
	cursor := fromSecond

	for pages := 0; ; pages++ {
		if pages >= e.maxPages {
			logger.Warn("remote did not exhaust within page ceiling",
				zap.String("operation", opSync),
				zap.String("reason", reasonFetchExhaustion),
				zap.Int("max_pages", e.maxPages),
				zap.Int64("from_second", cursor))
			return accumulated, pages, newServiceError(opSync, reasonFetchExhaustion, ErrFetchExhaustionExceeded, nil)
		}
		if pages > 0 {
			if err := e.waitBetweenPages(ctx); err != nil {
				return nil, pages, newServiceError(opSync, reasonFetchFailed, ErrFetch, err)
			}
		}

		page, err := e.fetcher.FetchSubmissionsPage(ctx, userID, cursor)
		if err != nil {
			logger.Error("submissions page fetch failed",
				zap.String("operation", opSync),
				zap.String("reason", reasonFetchFailed),
				zap.Int64("from_second", cursor),
				zap.Error(err))
			return nil, pages, newServiceError(opSync, reasonFetchFailed, ErrFetch, err)
		}
		if len(page) == 0 {
			return accumulated, pages, nil
		}

		accepted := acceptPage(page, userID, cursor)
		if dropped := len(page) - len(accepted); dropped > 0 {
			logger.Warn("remote returned submissions outside the query",
				zap.String("operation", opSync),
				zap.String("reason", reasonForeignSubmission),
				zap.Int64("from_second", cursor),
				zap.Int("dropped", dropped))
		}
		if len(accepted) == 0 {
			return accumulated, pages + 1, nil
		}

		accumulated = append(accumulated, accepted...)
		cursor = submissions.LatestEpochSecond(accepted) + 1
	}
}

func acceptPage(page []submissions.Submission, userID submissions.UserID, fromSecond int64) []submissions.Submission {
	accepted := make([]submissions.Submission, 0, len(page))
	for _, item := range page {
		if item.EpochSecond < fromSecond {
			continue
		}
		if item.UserID != "" && item.UserID != userID.String() {
			continue
		}
		accepted = append(accepted, item)
	}
	return accepted
}

func (e *Engine) waitBetweenPages(ctx context.Context) error {
	if e.pageDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(e.pageDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// persist upserts fresh (sorted by ID, id-unique) with bounded concurrency. Failures are
// logged and counted. Writes are detached from ctx cancellation so an abandoned caller
// still leaves the cache consistent.
func (e *Engine) persist(ctx context.Context, logger *zap.Logger, handle *store.Handle, fresh []submissions.Submission) (int, int) {
	if len(fresh) == 0 {
		return 0, 0
	}
	writeCtx := context.WithoutCancel(ctx)

	var persisted, failed atomic.Int64
	var group errgroup.Group
	group.SetLimit(e.saveConcurrency)
	for _, record := range fresh {
		group.Go(func() error {
			if err := e.store.Save(writeCtx, handle, record); err != nil {
				failed.Add(1)
				logger.Warn("submission persist failed",
					zap.String("operation", opSync),
					zap.String("reason", reasonWriteFailed),
					zap.Int64("submission_id", record.ID),
					zap.Error(err))
				return nil
			}
			persisted.Add(1)
			return nil
		})
	}
	_ = group.Wait()
	return int(persisted.Load()), int(failed.Load())
}

func newIDs(cached, fresh []submissions.Submission) []int64 {
	known := make(map[int64]struct{}, len(cached))
	for _, item := range cached {
		known[item.ID] = struct{}{}
	}
	var ids []int64
	for _, item := range fresh {
		if _, ok := known[item.ID]; !ok {
			ids = append(ids, item.ID)
		}
	}
	return ids
}

func (e *Engine) logWarn(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Warn("syncer warning", attrs...)
}
