package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dataspace/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("agreement not found")
)

type ledgerDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the durable agreement ledger. Agreement rows are immutable
// after creation; only the access counters alongside them change.
type Store struct {
	DB ledgerDB
}

// Create persists a provider-side agreement exactly once per terms.
// A concurrent duplicate for the same (consumer, targets, rules) tuple
// loses the insert race and gets the already stored agreement back
// with created=false.
func (s *Store) Create(ctx context.Context, ag models.ContractAgreement) (models.ContractAgreement, bool, error) {
	digest, err := models.TermsDigest(ag.Consumer, ag.Artifacts, ag.Rules)
	if err != nil {
		return models.ContractAgreement{}, false, fmt.Errorf("terms digest: %w", err)
	}
	value, err := json.Marshal(ag)
	if err != nil {
		return models.ContractAgreement{}, false, fmt.Errorf("marshal agreement: %w", err)
	}
	tag, err := s.DB.Exec(ctx, `
		INSERT INTO agreements
		(id, consumer, provider, terms_digest, value, confirmed, contract_start, contract_end, artifacts, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (terms_digest) DO NOTHING
	`, ag.ID, ag.Consumer, ag.Provider, digest, value, ag.Confirmed, ag.ContractStart, ag.ContractEnd, ag.Artifacts, time.Now().UTC())
	if err != nil {
		return models.ContractAgreement{}, false, err
	}
	if tag.RowsAffected() > 0 {
		return ag, true, nil
	}
	existing, err := s.byDigest(ctx, digest)
	if err != nil {
		return models.ContractAgreement{}, false, err
	}
	return existing, false, nil
}

// SaveRemote persists an agreement received from a remote provider
// (consumer side), keyed by a freshly minted local id. The remote id is
// kept for correlation.
func (s *Store) SaveRemote(ctx context.Context, ag models.ContractAgreement, confirmed bool) (string, error) {
	localID := uuid.NewString()
	remoteID := ag.ID
	ag.Confirmed = confirmed
	value, err := json.Marshal(ag)
	if err != nil {
		return "", fmt.Errorf("marshal agreement: %w", err)
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO agreements
		(id, remote_id, consumer, provider, value, confirmed, contract_start, contract_end, artifacts, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, localID, remoteID, ag.Consumer, ag.Provider, value, confirmed, ag.ContractStart, ag.ContractEnd, ag.Artifacts, time.Now().UTC())
	if err != nil {
		return "", err
	}
	return localID, nil
}

// Get fetches one agreement by local or remote id.
func (s *Store) Get(ctx context.Context, id string) (models.ContractAgreement, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT value, confirmed FROM agreements WHERE id=$1 OR remote_id=$1
	`, id)
	return scanAgreement(row)
}

func (s *Store) byDigest(ctx context.Context, digest string) (models.ContractAgreement, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT value, confirmed FROM agreements WHERE terms_digest=$1
	`, digest)
	return scanAgreement(row)
}

// ByArtifact lists the agreements governing one artifact.
func (s *Store) ByArtifact(ctx context.Context, artifactID string) ([]models.ContractAgreement, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT value, confirmed FROM agreements WHERE $1 = ANY(artifacts) ORDER BY created_at
	`, artifactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ContractAgreement
	for rows.Next() {
		var value []byte
		var confirmed bool
		if err := rows.Scan(&value, &confirmed); err != nil {
			return nil, err
		}
		var ag models.ContractAgreement
		if err := json.Unmarshal(value, &ag); err != nil {
			return nil, fmt.Errorf("unmarshal agreement: %w", err)
		}
		ag.Confirmed = confirmed
		out = append(out, ag)
	}
	return out, rows.Err()
}

func scanAgreement(row pgx.Row) (models.ContractAgreement, error) {
	var value []byte
	var confirmed bool
	if err := row.Scan(&value, &confirmed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ContractAgreement{}, ErrNotFound
		}
		return models.ContractAgreement{}, err
	}
	var ag models.ContractAgreement
	if err := json.Unmarshal(value, &ag); err != nil {
		return models.ContractAgreement{}, fmt.Errorf("unmarshal agreement: %w", err)
	}
	ag.Confirmed = confirmed
	return ag, nil
}

// Access reads the current access record; a pair that was never
// incremented reads as the zero record, not an error.
func (s *Store) Access(ctx context.Context, agreementID, artifactID string) (models.AccessRecord, error) {
	rec := models.AccessRecord{AgreementID: agreementID, ArtifactID: artifactID}
	row := s.DB.QueryRow(ctx, `
		SELECT count, last_access FROM access_records WHERE agreement_id=$1 AND artifact_id=$2
	`, agreementID, artifactID)
	if err := row.Scan(&rec.Count, &rec.LastAccess); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rec, nil
		}
		return rec, err
	}
	return rec, nil
}

// IncrementAccess bumps the counter for one delivery. The caller holds
// the per-agreement gate across read and increment.
func (s *Store) IncrementAccess(ctx context.Context, agreementID, artifactID string, now time.Time) (models.AccessRecord, error) {
	rec := models.AccessRecord{AgreementID: agreementID, ArtifactID: artifactID}
	row := s.DB.QueryRow(ctx, `
		INSERT INTO access_records (agreement_id, artifact_id, count, last_access)
		VALUES ($1,$2,1,$3)
		ON CONFLICT (agreement_id, artifact_id)
		DO UPDATE SET count = access_records.count + 1, last_access = EXCLUDED.last_access
		RETURNING count, last_access
	`, agreementID, artifactID, now.UTC())
	if err := row.Scan(&rec.Count, &rec.LastAccess); err != nil {
		return rec, err
	}
	return rec, nil
}

// LogSent appends one outbound message to the message log.
func (s *Store) LogSent(ctx context.Context, msg models.SentMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO sent_messages (id, type, raw, created_at) VALUES ($1,$2,$3,$4)
	`, msg.ID, string(msg.Type), msg.Raw, msg.CreatedAt)
	return err
}

// GetSent resolves one logged outbound message by its message id.
func (s *Store) GetSent(ctx context.Context, id string) (models.SentMessage, error) {
	var msg models.SentMessage
	var msgType string
	row := s.DB.QueryRow(ctx, `
		SELECT id, type, raw, created_at FROM sent_messages WHERE id=$1
	`, id)
	if err := row.Scan(&msg.ID, &msgType, &msg.Raw, &msg.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return msg, ErrNotFound
		}
		return msg, err
	}
	msg.Type = models.MessageType(msgType)
	return msg, nil
}
