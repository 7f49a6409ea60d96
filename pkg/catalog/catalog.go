package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dataspace/pkg/models"
	"dataspace/pkg/negotiation"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound matches the sentinel the negotiation core tests for, so
// a miss here becomes a NOT_FOUND rejection there.
var ErrNotFound = negotiation.ErrNotFound

type catalogDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the resource catalog: descriptions, artifact payloads and
// the contract offers governing them.
type Store struct {
	DB catalogDB
}

// Resource is the admin-facing view of one catalog entry.
type Resource struct {
	ID          string             `json:"id"`
	Description models.Description `json:"description"`
	HasPayload  bool               `json:"has_payload"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Save inserts a resource with its description and optional payload.
func (s *Store) Save(ctx context.Context, desc models.Description, payload []byte) (string, error) {
	id := desc.ID
	if id == "" {
		id = uuid.NewString()
		desc.ID = id
	}
	raw, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("encode description: %w", err)
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO resources (id, description, payload, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET description = EXCLUDED.description
	`, id, raw, payload, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("save resource: %w", err)
	}
	return id, nil
}

func (s *Store) Resolve(ctx context.Context, id string) (models.Description, error) {
	var raw []byte
	err := s.DB.QueryRow(ctx, `SELECT description FROM resources WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Description{}, ErrNotFound
	}
	if err != nil {
		return models.Description{}, fmt.Errorf("resolve resource: %w", err)
	}
	var desc models.Description
	if err := json.Unmarshal(raw, &desc); err != nil {
		return models.Description{}, fmt.Errorf("decode description: %w", err)
	}
	return desc, nil
}

// SelfDescription lists every catalog entry as one description with the
// resource ids as keywords.
func (s *Store) SelfDescription(ctx context.Context) (models.Description, error) {
	rows, err := s.DB.Query(ctx, `SELECT id, description FROM resources ORDER BY created_at`)
	if err != nil {
		return models.Description{}, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()
	var (
		ids     []string
		entries []json.RawMessage
	)
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return models.Description{}, fmt.Errorf("scan resource: %w", err)
		}
		ids = append(ids, id)
		entries = append(entries, json.RawMessage(raw))
	}
	if err := rows.Err(); err != nil {
		return models.Description{}, err
	}
	listing, err := json.Marshal(entries)
	if err != nil {
		return models.Description{}, fmt.Errorf("encode listing: %w", err)
	}
	return models.Description{
		ID:             "self",
		Title:          "catalog",
		Keywords:       ids,
		Representation: listing,
	}, nil
}

func (s *Store) Payload(ctx context.Context, artifactID string) ([]byte, error) {
	var payload []byte
	err := s.DB.QueryRow(ctx, `SELECT payload FROM resources WHERE id = $1`, artifactID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load payload: %w", err)
	}
	if payload == nil {
		return nil, ErrNotFound
	}
	return payload, nil
}

func (s *Store) SaveDescription(ctx context.Context, desc models.Description) (string, error) {
	desc.ID = ""
	return s.Save(ctx, desc, nil)
}

func (s *Store) SavePayload(ctx context.Context, artifactID string, data []byte) error {
	tag, err := s.DB.Exec(ctx, `UPDATE resources SET payload = $2 WHERE id = $1`, artifactID, data)
	if err != nil {
		return fmt.Errorf("save payload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveOffer binds a contract offer to one target artifact. Each rule is
// stamped with the target before persistence.
func (s *Store) SaveOffer(ctx context.Context, target string, offer models.ContractOffer) (string, error) {
	if offer.ID == "" {
		offer.ID = uuid.NewString()
	}
	for i := range offer.Rules {
		if offer.Rules[i].Target == "" {
			offer.Rules[i].Target = target
		}
	}
	rules, err := json.Marshal(offer.Rules)
	if err != nil {
		return "", fmt.Errorf("encode rules: %w", err)
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO contract_offers (id, target, provider, rules, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET rules = EXCLUDED.rules
	`, offer.ID, target, offer.Provider, rules, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("save offer: %w", err)
	}
	return offer.ID, nil
}

func (s *Store) OffersByArtifact(ctx context.Context, artifactID string) ([]models.ContractOffer, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, provider, rules FROM contract_offers WHERE target = $1 ORDER BY created_at
	`, artifactID)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()
	var offers []models.ContractOffer
	for rows.Next() {
		var (
			offer models.ContractOffer
			rules []byte
		)
		if err := rows.Scan(&offer.ID, &offer.Provider, &rules); err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		if err := json.Unmarshal(rules, &offer.Rules); err != nil {
			return nil, fmt.Errorf("decode rules: %w", err)
		}
		offers = append(offers, offer)
	}
	return offers, rows.Err()
}

// List returns the admin view of all resources.
func (s *Store) List(ctx context.Context) ([]Resource, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, description, payload IS NOT NULL, created_at FROM resources ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()
	var out []Resource
	for rows.Next() {
		var (
			res Resource
			raw []byte
		)
		if err := rows.Scan(&res.ID, &raw, &res.HasPayload, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		if err := json.Unmarshal(raw, &res.Description); err != nil {
			return nil, fmt.Errorf("decode description: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
