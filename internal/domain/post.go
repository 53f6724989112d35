package domain

import "time"

// PostRecord is one tracked social post row in the analytics table. PostURL
// is immutable after insert; it is the join key back to scraped results.
// Only Likes and Views are mutated, and only by reconciliation.
type PostRecord struct {
	ID          int64
	AccountName string
	PostURL     string
	UserID      int64
	Team        string
	Likes       uint64
	Views       uint64
	AddedAt     time.Time
}

// NewPost is a single row submitted through the analytics ingest endpoint.
// UserID, Team, and AddedAt are stamped server-side.
type NewPost struct {
	AccountName string `json:"account_name"`
	PostURL     string `json:"post_url"`
	Likes       uint64 `json:"likes"`
	Views       uint64 `json:"views"`
}

// User is a registered Mini App user. TelegramID doubles as the primary key;
// registration happens out of band.
type User struct {
	TelegramID int64  `json:"telegram_id"`
	Username   string `json:"username"`
	Team       string `json:"team"`
	IsAdmin    bool   `json:"is_admin"`
}

// ResultItem is one scraped dataset item. The schema varies per scraper, so
// fields are probed by name rather than decoded into a fixed struct.
type ResultItem map[string]any
