package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by repositories when a row does not exist.
var ErrNotFound = errors.New("not found")

// PostRepository defines persistence operations for analytics post rows.
type PostRepository interface {
	// InsertPosts appends a batch of post rows stamped with the owning user
	// and team. Returns the number of rows inserted.
	InsertPosts(ctx context.Context, userID int64, team string, posts []NewPost) (int, error)

	// PostsSince retrieves rows with added_at at or after the given instant,
	// across all teams.
	PostsSince(ctx context.Context, since time.Time) ([]PostRecord, error)

	// AllPosts retrieves every stored post row.
	AllPosts(ctx context.Context) ([]PostRecord, error)

	// UpdateMetrics overwrites the likes/views counters of one row. No other
	// columns are touched.
	UpdateMetrics(ctx context.Context, postID int64, likes, views uint64) error
}

// UserRepository defines persistence operations for registered users and
// their linked social accounts.
type UserRepository interface {
	// UserByTelegramID looks up a registered user. Returns ErrNotFound when
	// the caller is not registered.
	UserByTelegramID(ctx context.Context, telegramID int64) (*User, error)

	// AccountNames lists the social account names linked to a user.
	AccountNames(ctx context.Context, userID int64) ([]string, error)

	// UpsertUser creates or updates a registered user row.
	UpsertUser(ctx context.Context, user User) error

	// DeleteUser removes a registered user row.
	DeleteUser(ctx context.Context, telegramID int64) error
}

// Webhook describes the completion callback registered with a scrape run.
// The external service resolves its own result-set id into the callback
// payload; Platform and Team are echoed back verbatim.
type Webhook struct {
	Platform Platform
	Team     string
}

// ScrapeRunner launches actor runs on the external scraping service and
// fetches result datasets.
type ScrapeRunner interface {
	// StartRun submits one scrape job and returns its run id. The run
	// completes asynchronously; results arrive via the registered webhook.
	StartRun(ctx context.Context, actorID string, input any, hook Webhook) (string, error)

	// DatasetItems fetches the full result set for a completed run.
	DatasetItems(ctx context.Context, datasetID string) ([]ResultItem, error)
}
