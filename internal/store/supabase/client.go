package supabase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	"mindbridge/internal/observability"
	"mindbridge/pkg/interfaces"
	"mindbridge/pkg/types"
)

const (
	tableTherapists = "therapists"
	tableRatings    = "ratings"
	tableSessions   = "sessions"
)

var (
	ErrMissingURL    = errors.New("supabase URL is required")
	ErrMissingAPIKey = errors.New("supabase API key is required")
)

// Config holds Supabase connection settings.
type Config struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

func (c Config) Validate() error {
	if c.URL == "" {
		return ErrMissingURL
	}
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// Client is a backing store over a hosted Postgres exposed through PostgREST.
// It keeps no cache of its own; the availability service caches in front of it.
type Client struct {
	client *supabase.Client
	log    *slog.Logger
	now    func() time.Time
}

var _ interfaces.Store = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return &Client{
		client: client,
		log:    observability.Component("store.supabase"),
		now:    time.Now,
	}, nil
}

type therapistRow struct {
	ID              string              `json:"id"`
	Alias           string              `json:"alias"`
	Specializations []string            `json:"specializations"`
	Languages       []string            `json:"languages"`
	SessionTypes    []types.SessionType `json:"session_types"`
	CreatedAt       time.Time           `json:"created_at"`
}

func (r therapistRow) therapist() types.Therapist {
	return types.Therapist{
		ID:              r.ID,
		Alias:           r.Alias,
		Specializations: nonNil(r.Specializations),
		Languages:       nonNil(r.Languages),
		SessionTypes:    nonNil(r.SessionTypes),
		CreatedAt:       r.CreatedAt,
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

type ratingRow struct {
	Score int `json:"score"`
}

type sessionRow struct {
	ID          string            `json:"id"`
	RequestID   string            `json:"request_id"`
	Participant string            `json:"participant"`
	Therapist   string            `json:"therapist"`
	SessionType types.SessionType `json:"session_type"`
	StartTime   time.Time         `json:"start_time"`
	EndTime     *time.Time        `json:"end_time,omitempty"`
	Status      string            `json:"status"`
}

// FindTherapists implements interfaces.TherapistStore. Array filters use the
// PostgREST contains operator on text[] columns.
func (c *Client) FindTherapists(ctx context.Context, q types.TherapistQuery) (*types.TherapistPage, error) {
	page := q.Page.Normalize()
	out := &types.TherapistPage{Therapists: []types.Therapist{}, Page: page.Page, Limit: page.Limit}
	if len(q.IDs) == 0 {
		return out, nil
	}

	query := c.client.From(tableTherapists).
		Select("id,alias,specializations,languages,session_types,created_at", "exact", false).
		In("id", q.IDs)
	if q.Filter.Specialization != "" {
		query = query.Contains("specializations", []string{q.Filter.Specialization})
	}
	if q.Filter.Language != "" {
		query = query.Contains("languages", []string{q.Filter.Language})
	}
	if q.Filter.SessionType != "" {
		query = query.Contains("session_types", []string{string(q.Filter.SessionType)})
	}

	var rows []therapistRow
	total, err := query.
		Order(page.Sort, &postgrest.OrderOpts{Ascending: true}).
		Order("id", &postgrest.OrderOpts{Ascending: true}).
		Range(page.Offset(), page.Offset()+page.Limit-1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to query therapists: %w", err)
	}

	out.Total = int(total)
	for _, r := range rows {
		out.Therapists = append(out.Therapists, r.therapist())
	}
	return out, nil
}

// CountTherapists implements interfaces.TherapistStore.
func (c *Client) CountTherapists(ctx context.Context) (int, error) {
	_, count, err := c.client.From(tableTherapists).
		Select("id", "exact", true).
		Execute()
	if err != nil {
		return 0, fmt.Errorf("failed to count therapists: %w", err)
	}
	return int(count), nil
}

// FindTherapistStats implements interfaces.TherapistStore. PostgREST exposes
// no aggregates without a view, so scores are averaged here.
func (c *Client) FindTherapistStats(ctx context.Context, therapistID string) (*types.TherapistStats, error) {
	var ratings []ratingRow
	_, err := c.client.From(tableRatings).
		Select("score", "", false).
		Eq("therapist_id", therapistID).
		ExecuteTo(&ratings)
	if err != nil {
		return nil, fmt.Errorf("failed to get ratings: %w", err)
	}

	_, completed, err := c.client.From(tableSessions).
		Select("id", "exact", true).
		Eq("therapist", therapistID).
		Eq("status", "completed").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to count completed sessions: %w", err)
	}

	return aggregate(therapistID, ratings, int(completed)), nil
}

func aggregate(therapistID string, ratings []ratingRow, completed int) *types.TherapistStats {
	st := &types.TherapistStats{
		TherapistID:       therapistID,
		RatingCount:       len(ratings),
		SessionsCompleted: completed,
	}
	if len(ratings) == 0 {
		return st
	}
	sum := 0
	for _, r := range ratings {
		sum += r.Score
	}
	st.AverageRating = float64(sum) / float64(len(ratings))
	return st
}

// UpsertTherapist implements interfaces.TherapistStore.
func (c *Client) UpsertTherapist(ctx context.Context, t *types.Therapist) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = c.now().UTC()
	}
	row := therapistRow{
		ID:              t.ID,
		Alias:           t.Alias,
		Specializations: nonNil(t.Specializations),
		Languages:       nonNil(t.Languages),
		SessionTypes:    nonNil(t.SessionTypes),
		CreatedAt:       t.CreatedAt,
	}
	_, _, err := c.client.From(tableTherapists).
		Upsert(row, "id", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to upsert therapist: %w", err)
	}
	return nil
}

// RecordSession implements interfaces.SessionRecorder.
func (c *Client) RecordSession(ctx context.Context, session *types.Session) error {
	row := sessionRow{
		ID:          session.ID,
		RequestID:   session.RequestID,
		Participant: session.Participant,
		Therapist:   session.Therapist,
		SessionType: session.SessionType,
		StartTime:   session.StartTime,
		Status:      "active",
	}
	_, _, err := c.client.From(tableSessions).
		Insert(row, false, "", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// EndSession implements interfaces.SessionRecorder.
func (c *Client) EndSession(ctx context.Context, session *types.Session) error {
	end := c.now().UTC()
	if session.EndTime != nil {
		end = *session.EndTime
	}
	_, _, err := c.client.From(tableSessions).
		Update(map[string]any{"end_time": end, "status": "completed"}, "minimal", "").
		Eq("id", session.ID).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

// HealthCheck implements interfaces.TherapistStore with a head-only count.
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.CountTherapists(ctx); err != nil {
		return fmt.Errorf("supabase health check failed: %w", err)
	}
	return nil
}

// Close implements interfaces.TherapistStore. The HTTP client holds nothing
// that needs releasing.
func (c *Client) Close() error {
	return nil
}
