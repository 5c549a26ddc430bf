package update

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("update: not found")
	ErrEmptyBatch   = errors.New("update: empty batch")
	ErrImmutable    = errors.New("update: published update is immutable")
	ErrInvalidInput = errors.New("update: invalid input")
)

// Store is the durable metadata store shared by the publish pipeline and
// the manifest handler. All mutating operations must be safe to retry;
// correctness under concurrent callers rests on the store's uniqueness
// constraints, not on in-process locking.
type Store interface {
	// Get returns the update row for an id, draft or published.
	Get(ctx context.Context, updateID string) (Update, error)

	// FindPublishedByVersion returns the published update carrying the
	// given publisher version, or ErrNotFound. Drafts are invisible here.
	FindPublishedByVersion(ctx context.Context, version string) (Update, error)

	// CreateDraft inserts a draft row keyed by UpdateID. When a row with
	// that id already exists the existing row is returned and created is
	// false; first writer wins, losers converge on the winner's row.
	CreateDraft(ctx context.Context, u Update) (created bool, out Update, err error)

	// UpsertFiles bulk-inserts file rows keyed by FileID, updating the
	// presigned timestamp on conflict. Empty input is a no-op.
	UpsertFiles(ctx context.Context, files []File) error

	// UpsertAssets bulk-inserts asset rows keyed by
	// (UpdateID, FileID, Platform). Empty input is a no-op.
	UpsertAssets(ctx context.Context, assets []Asset) error

	// UnverifiedFiles filters the given file ids down to those whose rows
	// exist with Verified false.
	UnverifiedFiles(ctx context.Context, fileIDs []string) ([]string, error)

	// MarkFilesVerified flips Verified on the given file ids.
	MarkFilesVerified(ctx context.Context, fileIDs []string) error

	// SetPublished transitions a draft to published at the given time.
	// The transition is a single atomic conditional update: it reports
	// true only for the caller that actually flipped the row, and an
	// already published update is left untouched.
	SetPublished(ctx context.Context, updateID string, at time.Time) (bool, error)

	// LatestPublished returns the newest published update whose runtime
	// version exactly matches, together with its assets, or ErrNotFound.
	LatestPublished(ctx context.Context, runtimeVersion string) (Update, []Asset, error)
}
