package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stokedbloke/giggles-cli-sub001/internal/units"
)

// User is one wearer of the recorder. Scheduled runs cover every active
// user that has a provider token; the timezone drives per-user
// "yesterday" computation.
type User struct {
	ID            string
	Name          string
	Timezone      string
	ProviderToken string
	Active        bool
}

var ErrUserNotFound = errors.New("user not found")

// CreateUser inserts a new user, assigning a fresh ID when none is set.
func (db *DB) CreateUser(u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Timezone == "" {
		u.Timezone = "UTC"
	}
	if !units.IsTimezoneValid(u.Timezone) {
		return fmt.Errorf("invalid timezone %q", u.Timezone)
	}

	_, err := db.Exec(
		`INSERT INTO users (user_id, name, timezone, provider_token, active)
		 VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Timezone, u.ProviderToken, u.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// GetUser returns the user with the given ID, or ErrUserNotFound.
func (db *DB) GetUser(id string) (*User, error) {
	u := &User{}
	err := db.QueryRow(
		`SELECT user_id, name, timezone, provider_token, active
		 FROM users WHERE user_id = ?`, id,
	).Scan(&u.ID, &u.Name, &u.Timezone, &u.ProviderToken, &u.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// ActiveUsers returns all users eligible for scheduled processing:
// active, with a provider token on file.
func (db *DB) ActiveUsers() ([]User, error) {
	rows, err := db.Query(
		`SELECT user_id, name, timezone, provider_token, active
		 FROM users
		 WHERE active = 1 AND provider_token != ''
		 ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Timezone, &u.ProviderToken, &u.Active); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return users, nil
}

// Location resolves the user's IANA timezone.
func (u *User) Location() (*time.Location, error) {
	return time.LoadLocation(u.Timezone)
}
