package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a subscription id does not exist.
var ErrNotFound = errors.New("subscription not found")

// Cadence is how often a subscription report is dispatched.
type Cadence string

const (
	CadenceDaily  Cadence = "daily"
	CadenceWeekly Cadence = "weekly"
)

// Valid reports whether the cadence is a known value.
func (c Cadence) Valid() bool {
	return c == CadenceDaily || c == CadenceWeekly
}

// Subscription is a persisted report subscription: who to notify, the filter
// snapshot to report on, and how often.
type Subscription struct {
	ID           uuid.UUID       `json:"id"`
	Email        string          `json:"email,omitempty"`
	SlackChannel string          `json:"slack_channel,omitempty"`
	Filter       json.RawMessage `json:"filter"`
	Cadence      Cadence         `json:"cadence"`
	CreatedAt    time.Time       `json:"created_at"`
}

// SubscriptionStore persists subscriptions in Postgres.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

// NewSubscriptionStore wraps a pool.
func NewSubscriptionStore(pool *pgxpool.Pool) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

// Create inserts a subscription, assigning its id and creation time.
func (s *SubscriptionStore) Create(ctx context.Context, sub Subscription) (Subscription, error) {
	if !sub.Cadence.Valid() {
		return Subscription{}, fmt.Errorf("invalid cadence %q", sub.Cadence)
	}
	if sub.Email == "" && sub.SlackChannel == "" {
		return Subscription{}, errors.New("subscription needs an email or slack channel")
	}
	sub.ID = uuid.New()
	err := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (id, email, slack_channel, filter, cadence)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, sub.ID, sub.Email, sub.SlackChannel, sub.Filter, string(sub.Cadence)).Scan(&sub.CreatedAt)
	if err != nil {
		return Subscription{}, fmt.Errorf("failed to insert subscription: %w", err)
	}
	return sub, nil
}

// Get fetches one subscription by id.
func (s *SubscriptionStore) Get(ctx context.Context, id uuid.UUID) (Subscription, error) {
	var sub Subscription
	var cadence string
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, slack_channel, filter, cadence, created_at
		FROM subscriptions WHERE id = $1
	`, id).Scan(&sub.ID, &sub.Email, &sub.SlackChannel, &sub.Filter, &cadence, &sub.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("failed to fetch subscription: %w", err)
	}
	sub.Cadence = Cadence(cadence)
	return sub, nil
}

// List returns all subscriptions, newest first.
func (s *SubscriptionStore) List(ctx context.Context) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, email, slack_channel, filter, cadence, created_at
		FROM subscriptions ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []Subscription{}
	for rows.Next() {
		var sub Subscription
		var cadence string
		if err := rows.Scan(&sub.ID, &sub.Email, &sub.SlackChannel, &sub.Filter, &cadence, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		sub.Cadence = Cadence(cadence)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ListByCadence returns subscriptions due at the given cadence.
func (s *SubscriptionStore) ListByCadence(ctx context.Context, cadence Cadence) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, email, slack_channel, filter, cadence, created_at
		FROM subscriptions WHERE cadence = $1 ORDER BY created_at
	`, string(cadence))
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []Subscription{}
	for rows.Next() {
		var sub Subscription
		var c string
		if err := rows.Scan(&sub.ID, &sub.Email, &sub.SlackChannel, &sub.Filter, &c, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		sub.Cadence = Cadence(c)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Delete removes a subscription by id.
func (s *SubscriptionStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
