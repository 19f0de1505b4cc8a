// Package study reads the studies and interview transcripts that search
// turns quote from.
package study

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// InterviewType classifies a transcript.
type InterviewType string

const (
	InterviewGroupDiscussion InterviewType = "GD"
	InterviewTranscript      InterviewType = "TI"
	InterviewMemo            InterviewType = "Memo"
)

var ErrStudyNotFound = errors.New("study not found")

type Study struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	IsTranscribed bool      `json:"is_transcribed"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Interview struct {
	ID      string          `json:"id"`
	StudyID string          `json:"study_id"`
	Title   string          `json:"title"`
	Text    string          `json:"text"`
	Type    InterviewType   `json:"type"`
	Fields  json.RawMessage `json:"fields,omitempty"`
}

// Store is the read side used by the API.
type Store interface {
	ListStudies(ctx context.Context, offset, limit int) ([]*Study, error)
	GetStudy(ctx context.Context, id string) (*Study, error)
	InterviewsByStudy(ctx context.Context, studyID string) ([]*Interview, error)
	InterviewsByIDs(ctx context.Context, ids []string) ([]*Interview, error)
}

// PostgresStore implements Store over database/sql.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const studyColumns = `id, name, description, NOT is_being_added, created_at, updated_at`

func (s *PostgresStore) ListStudies(ctx context.Context, offset, limit int) ([]*Study, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+studyColumns+` FROM studies ORDER BY name ASC OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list studies: %w", err)
	}
	defer rows.Close()

	var out []*Study
	for rows.Next() {
		st := &Study{}
		if err := rows.Scan(&st.ID, &st.Name, &st.Description, &st.IsTranscribed, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan study: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetStudy(ctx context.Context, id string) (*Study, error) {
	st := &Study{}
	err := s.db.QueryRowContext(ctx, `SELECT `+studyColumns+` FROM studies WHERE id = $1`, id).
		Scan(&st.ID, &st.Name, &st.Description, &st.IsTranscribed, &st.CreatedAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrStudyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get study: %w", err)
	}
	return st, nil
}

const interviewQuery = `SELECT interview_id, study_id, title, text, interview_class, fields FROM interviews`

func (s *PostgresStore) InterviewsByStudy(ctx context.Context, studyID string) ([]*Interview, error) {
	return s.queryInterviews(ctx, interviewQuery+` WHERE study_id = $1 ORDER BY title ASC`, studyID)
}

// InterviewsByIDs returns the interviews found, in the order of ids.
// Unknown ids are skipped.
func (s *PostgresStore) InterviewsByIDs(ctx context.Context, ids []string) ([]*Interview, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	found, err := s.queryInterviews(ctx, interviewQuery+` WHERE interview_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	return OrderByIDs(found, ids), nil
}

func (s *PostgresStore) queryInterviews(ctx context.Context, query string, args ...any) ([]*Interview, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query interviews: %w", err)
	}
	defer rows.Close()

	var out []*Interview
	for rows.Next() {
		iv := &Interview{}
		var fields []byte
		if err := rows.Scan(&iv.ID, &iv.StudyID, &iv.Title, &iv.Text, &iv.Type, &fields); err != nil {
			return nil, fmt.Errorf("failed to scan interview: %w", err)
		}
		if len(fields) > 0 {
			iv.Fields = json.RawMessage(fields)
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

// OrderByIDs arranges interviews in the order of ids, dropping duplicates
// and ids that were not found.
func OrderByIDs(interviews []*Interview, ids []string) []*Interview {
	byID := make(map[string]*Interview, len(interviews))
	for _, iv := range interviews {
		byID[iv.ID] = iv
	}
	out := make([]*Interview, 0, len(ids))
	for _, id := range ids {
		if iv, ok := byID[id]; ok {
			out = append(out, iv)
			delete(byID, id)
		}
	}
	return out
}
