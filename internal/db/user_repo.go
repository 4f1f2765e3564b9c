package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"wellwisher/internal/types"
)

// UserRepository is the read-only view of the users table owned by the
// CRUD layer. The pipeline only ever lists active users matching a
// calendar day; all writes stay on the CRUD side.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a read-only user repository.
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// ListActiveWithEventOn returns all non-deleted users with an event of the
// given type falling on the given calendar month/day. Soft-deleted users
// are excluded in SQL so they can never be scanned.
func (r *UserRepository) ListActiveWithEventOn(ctx context.Context, mt types.MessageType, month time.Month, day int) ([]*types.User, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, display_name, event_type, event_month, event_day, event_year,
		        timezone, address
		 FROM users
		 WHERE deleted_at IS NULL AND event_type = $1
		   AND event_month = $2 AND event_day = $3
		 ORDER BY id`,
		string(mt), int(month), day,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list users by event day", err)
	}
	defer rows.Close()

	var users []*types.User
	for rows.Next() {
		var (
			u         types.User
			eventType string
			monthInt  int
			eventYear *int
		)
		if err := rows.Scan(&u.ID, &u.DisplayName, &eventType, &monthInt, &u.EventDay, &eventYear, &u.Timezone, &u.Address); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan user row", err)
		}
		u.EventType = types.MessageType(eventType)
		u.EventMonth = time.Month(monthInt)
		if eventYear != nil {
			u.EventYear = *eventYear
		}
		user := u
		users = append(users, &user)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating user rows", err)
	}

	return users, nil
}

// GetByID fetches a single user, including soft-deleted ones. Workers use
// this to detect that a user was deleted after their job was queued.
func (r *UserRepository) GetByID(ctx context.Context, userID string) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, display_name, event_type, event_month, event_day, event_year,
		        timezone, address, deleted_at IS NOT NULL
		 FROM users WHERE id = $1`,
		userID,
	)

	var (
		u         types.User
		eventType string
		monthInt  int
		eventYear *int
	)
	if err := row.Scan(&u.ID, &u.DisplayName, &eventType, &monthInt, &u.EventDay, &eventYear, &u.Timezone, &u.Address, &u.Deleted); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get user", err)
	}
	u.EventType = types.MessageType(eventType)
	u.EventMonth = time.Month(monthInt)
	if eventYear != nil {
		u.EventYear = *eventYear
	}

	return &u, nil
}
