package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"apkforge/internal/logging"
)

var (
	// ErrUserNotFound is returned when no user has the requested id.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserExists is returned when the email, username, or phone number is taken.
	ErrUserExists = errors.New("user already exists with the given email, username, or phone number")

	// ErrInvalidUser is returned when required fields are missing.
	ErrInvalidUser = errors.New("invalid user")
)

// User is the collaborator that owns uploads. It carries no credentials.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Username    string    `json:"username"`
	PhoneNumber string    `json:"phoneNumber,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// UserStore provides lookup-by-id, create, list, and delete.
type UserStore struct {
	db *DB
}

// NewUserStore creates a user store on the shared database.
func NewUserStore(db *DB) *UserStore {
	return &UserStore{db: db}
}

// Create registers a user. Email and username are required.
func (s *UserStore) Create(ctx context.Context, u User) (User, error) {
	u.Email = strings.TrimSpace(u.Email)
	u.Username = strings.TrimSpace(u.Username)
	u.PhoneNumber = strings.TrimSpace(u.PhoneNumber)
	if u.Email == "" || u.Username == "" {
		return User{}, fmt.Errorf("%w: email and username are required", ErrInvalidUser)
	}

	var count int
	err := s.db.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM users
		WHERE email = ? OR username = ? OR (phone_number != '' AND phone_number = ?)`,
		u.Email, u.Username, u.PhoneNumber).Scan(&count)
	if err != nil {
		return User{}, fmt.Errorf("check existing user: %w", err)
	}
	if count > 0 {
		return User{}, ErrUserExists
	}

	u.ID = uuid.NewString()
	u.CreatedAt = time.Now().UTC()
	if _, err := s.db.db.ExecContext(ctx,
		"INSERT INTO users (id, email, username, phone_number, created_at) VALUES (?, ?, ?, ?, ?)",
		u.ID, u.Email, u.Username, u.PhoneNumber, formatTime(u.CreatedAt)); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	logging.Store("User %s registered (%s)", u.ID, u.Username)
	return u, nil
}

// Get looks a user up by id.
func (s *UserStore) Get(ctx context.Context, id string) (User, error) {
	var (
		u         User
		createdAt string
	)
	err := s.db.db.QueryRowContext(ctx,
		"SELECT id, email, username, phone_number, created_at FROM users WHERE id = ?", id).
		Scan(&u.ID, &u.Email, &u.Username, &u.PhoneNumber, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	u.CreatedAt = parseTime(createdAt)
	return u, nil
}

// List returns every user, oldest first.
func (s *UserStore) List(ctx context.Context) ([]User, error) {
	rows, err := s.db.db.QueryContext(ctx,
		"SELECT id, email, username, phone_number, created_at FROM users ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var (
			u         User
			createdAt string
		)
		if err := rows.Scan(&u.ID, &u.Email, &u.Username, &u.PhoneNumber, &createdAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.CreatedAt = parseTime(createdAt)
		users = append(users, u)
	}
	return users, rows.Err()
}

// Delete removes a user by id.
func (s *UserStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete user %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	logging.Store("User %s deleted", id)
	return nil
}
