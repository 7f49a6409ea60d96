package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends usage records for agreements carrying a logging duty.
// With Redact enabled the consumer identity is stored as a salted hash,
// keeping the trail verifiable without holding the raw connector id.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is one granted access under an agreement.
type Record struct {
	ID          string
	AgreementID string
	ArtifactID  string
	Consumer    string
	AccessCount int64
	CreatedAt   time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if w.Redact {
		rec.Consumer = hashString(rec.Consumer, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO usage_records
		(id, agreement_id, artifact_id, consumer, access_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rec.ID, rec.AgreementID, rec.ArtifactID, rec.Consumer, rec.AccessCount, rec.CreatedAt)
	return err
}

// Usage satisfies the negotiation audit sink.
func (w *Writer) Usage(ctx context.Context, agreementID, artifactID, consumer string, count int64) error {
	return w.Append(ctx, Record{
		AgreementID: agreementID,
		ArtifactID:  artifactID,
		Consumer:    consumer,
		AccessCount: count,
	})
}

// ByAgreement lists the usage trail of one agreement, oldest first.
func (w *Writer) ByAgreement(ctx context.Context, agreementID string) ([]Record, error) {
	rows, err := w.DB.Query(ctx, `
		SELECT id, agreement_id, artifact_id, consumer, access_count, created_at
		FROM usage_records WHERE agreement_id=$1 ORDER BY created_at
	`, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.AgreementID, &rec.ArtifactID, &rec.Consumer, &rec.AccessCount, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
