// Package ledger records campaign, message and job history in Postgres. It
// consumes the core's result objects; the core never depends on it being
// wired, so a nil *Store is a no-op ledger.
package ledger

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/draftsmith/draftsmith/internal/models"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(conn string) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), conn)
	if err != nil {
		return nil, err
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	if s == nil {
		return
	}
	s.Pool.Close()
}

// EnsureSchema creates the ledger tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil {
		return nil
	}
	_, err := s.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS campaigns (
			operation_id  TEXT PRIMARY KEY,
			template_name TEXT NOT NULL,
			contact_count INT  NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS campaign_messages (
			operation_id TEXT NOT NULL,
			contact_id   TEXT NOT NULL,
			message_id   TEXT,
			status       TEXT NOT NULL,
			error_msg    TEXT,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (operation_id, contact_id)
		);
		CREATE TABLE IF NOT EXISTS job_events (
			id          BIGSERIAL PRIMARY KEY,
			job_id      TEXT NOT NULL,
			campaign_id TEXT NOT NULL,
			event       TEXT NOT NULL,
			status      TEXT NOT NULL,
			detail      JSONB,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`)
	return err
}

// InsertCampaign records the start of a dispatch run.
func (s *Store) InsertCampaign(ctx context.Context, operationID, templateName string, contactCount int) error {
	if s == nil {
		return nil
	}
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO campaigns (operation_id, template_name, contact_count)
		 VALUES ($1,$2,$3)
		 ON CONFLICT (operation_id) DO NOTHING`,
		operationID,
		templateName,
		contactCount,
	)
	return err
}

// RecordResults upserts the final per-contact outcomes of a dispatch run.
func (s *Store) RecordResults(ctx context.Context, operationID string, results []models.ProcessingResult) error {
	if s == nil {
		return nil
	}
	for _, r := range results {
		_, err := s.Pool.Exec(ctx,
			`INSERT INTO campaign_messages (operation_id, contact_id, message_id, status, error_msg, updated_at)
			 VALUES ($1,$2,$3,$4,$5,NOW())
			 ON CONFLICT (operation_id, contact_id) DO UPDATE
			 SET message_id=$3, status=$4, error_msg=$5, updated_at=NOW()`,
			operationID,
			r.ContactID,
			r.MessageID,
			r.Status,
			r.ErrorMsg,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// RecordJobEvent appends one scheduler transition to the job history.
func (s *Store) RecordJobEvent(ctx context.Context, job *models.SchedulerJob, event string) error {
	if s == nil || job == nil {
		return nil
	}
	detail, err := json.Marshal(job.LastResult)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx,
		`INSERT INTO job_events (job_id, campaign_id, event, status, detail)
		 VALUES ($1,$2,$3,$4,$5)`,
		job.ID,
		job.CampaignID,
		event,
		job.Status,
		detail,
	)
	return err
}
