// Package postgres implements the repository ports against a hosted Postgres
// database (a Supabase connection string in production).
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"

	"github.com/zybastuk/miniapp-metrics/internal/domain"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Repository implements domain.PostRepository and domain.UserRepository
// using PostgreSQL.
type Repository struct {
	db *sql.DB
}

var (
	_ domain.PostRepository = (*Repository)(nil)
	_ domain.UserRepository = (*Repository)(nil)
)

// NewRepository connects to PostgreSQL at the given URL, verifies the
// connection, and returns a new Repository. The caller should call Close
// when the repository is no longer needed.
func NewRepository(databaseURL string) (*Repository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// InsertPosts appends a batch of analytics rows stamped with the owning user
// and team. added_at defaults in the database.
func (r *Repository) InsertPosts(ctx context.Context, userID int64, team string, posts []domain.NewPost) (int, error) {
	if len(posts) == 0 {
		return 0, nil
	}

	builder := psql.Insert("analytics").
		Columns("account_name", "post_url", "user_id", "team", "likes", "views")
	for _, p := range posts {
		builder = builder.Values(p.AccountName, p.PostURL, userID, team, p.Likes, p.Views)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert posts: %w", err)
	}
	inserted, _ := res.RowsAffected()
	return int(inserted), nil
}

// PostsSince retrieves rows with added_at at or after since, across all
// teams.
func (r *Repository) PostsSince(ctx context.Context, since time.Time) ([]domain.PostRecord, error) {
	return r.selectPosts(ctx, sq.GtOrEq{"added_at": since})
}

// AllPosts retrieves every stored analytics row.
func (r *Repository) AllPosts(ctx context.Context) ([]domain.PostRecord, error) {
	return r.selectPosts(ctx, nil)
}

func (r *Repository) selectPosts(ctx context.Context, pred any) ([]domain.PostRecord, error) {
	builder := psql.Select("id", "account_name", "post_url", "user_id", "team", "likes", "views", "added_at").
		From("analytics").
		OrderBy("added_at ASC", "id ASC")
	if pred != nil {
		builder = builder.Where(pred)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

	var posts []domain.PostRecord
	for rows.Next() {
		var p domain.PostRecord
		err := rows.Scan(
			&p.ID,
			&p.AccountName,
			&p.PostURL,
			&p.UserID,
			&p.Team,
			&p.Likes,
			&p.Views,
			&p.AddedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}

// UpdateMetrics overwrites the likes/views counters of one row. No other
// columns are touched, so re-applying the same result set is idempotent.
func (r *Repository) UpdateMetrics(ctx context.Context, postID int64, likes, views uint64) error {
	query, args, err := psql.Update("analytics").
		Set("likes", likes).
		Set("views", views).
		Where(sq.Eq{"id": postID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update metrics for post %d: %w", postID, err)
	}
	return nil
}

// UserByTelegramID looks up a registered user.
func (r *Repository) UserByTelegramID(ctx context.Context, telegramID int64) (*domain.User, error) {
	query, args, err := psql.Select("telegram_id", "username", "team", "is_admin").
		From("users").
		Where(sq.Eq{"telegram_id": telegramID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var u domain.User
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&u.TelegramID, &u.Username, &u.Team, &u.IsAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user %d: %w", telegramID, err)
	}
	return &u, nil
}

// AccountNames lists the social account names linked to a user, alphabetized.
func (r *Repository) AccountNames(ctx context.Context, userID int64) ([]string, error) {
	query, args, err := psql.Select("account_name").
		From("accounts").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("account_name ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return names, nil
}

// UpsertUser creates or updates a registered user row.
func (r *Repository) UpsertUser(ctx context.Context, user domain.User) error {
	query, args, err := psql.Insert("users").
		Columns("telegram_id", "username", "team", "is_admin").
		Values(user.TelegramID, user.Username, user.Team, user.IsAdmin).
		Suffix(`ON CONFLICT (telegram_id) DO UPDATE
			SET username = EXCLUDED.username,
			    team = EXCLUDED.team,
			    is_admin = EXCLUDED.is_admin`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert user %d: %w", user.TelegramID, err)
	}
	return nil
}

// DeleteUser removes a registered user row.
func (r *Repository) DeleteUser(ctx context.Context, telegramID int64) error {
	query, args, err := psql.Delete("users").
		Where(sq.Eq{"telegram_id": telegramID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete user %d: %w", telegramID, err)
	}
	return nil
}
