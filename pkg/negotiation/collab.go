package negotiation

import (
	"context"
	"errors"
	"time"

	"dataspace/pkg/models"
)

// ErrNotFound is returned by collaborators when an element, offer or
// artifact does not exist.
var ErrNotFound = errors.New("element not found")

// ResourceCatalog is the metadata/payload store collaborator. The core
// never owns catalog CRUD; it only resolves and persists through this
// interface.
type ResourceCatalog interface {
	// Resolve returns the description of one catalog element.
	Resolve(ctx context.Context, id string) (models.Description, error)
	// SelfDescription returns the full catalog listing.
	SelfDescription(ctx context.Context) (models.Description, error)
	// OffersByArtifact returns the contract offers governing an artifact.
	OffersByArtifact(ctx context.Context, artifactID string) ([]models.ContractOffer, error)
	// Payload fetches the artifact data for delivery.
	Payload(ctx context.Context, artifactID string) ([]byte, error)
	// SaveDescription persists remote metadata under a new local id.
	SaveDescription(ctx context.Context, desc models.Description) (string, error)
	// SavePayload persists received artifact data against a local record.
	SavePayload(ctx context.Context, artifactID string, data []byte) error
}

// MessageTransport carries envelopes between connectors. Wire encoding,
// signing and retries live behind it.
type MessageTransport interface {
	Send(ctx context.Context, env models.Envelope, recipient string) (models.Envelope, error)
	// Notify fires a one-way callback at a duty endpoint.
	Notify(ctx context.Context, endpoint string, env models.Envelope) error
}

// IdentityProvider issues the security token attached to outbound
// messages.
type IdentityProvider interface {
	CurrentToken(ctx context.Context) (string, error)
}

// AgreementLedger is the durable agreement store the state machine
// writes to. *ledger.Store is the production implementation.
type AgreementLedger interface {
	Create(ctx context.Context, ag models.ContractAgreement) (models.ContractAgreement, bool, error)
	SaveRemote(ctx context.Context, ag models.ContractAgreement, confirmed bool) (string, error)
	Get(ctx context.Context, id string) (models.ContractAgreement, error)
	Access(ctx context.Context, agreementID, artifactID string) (models.AccessRecord, error)
	IncrementAccess(ctx context.Context, agreementID, artifactID string, now time.Time) (models.AccessRecord, error)
	LogSent(ctx context.Context, msg models.SentMessage) error
	GetSent(ctx context.Context, id string) (models.SentMessage, error)
}

// AuditSink records granted accesses for rules carrying a usage-logging
// duty.
type AuditSink interface {
	Usage(ctx context.Context, agreementID, artifactID, consumer string, count int64) error
}

// EventSink publishes negotiation outcomes to interested parties
// (event stream, broker topic). Implementations are best-effort; a
// publish failure never changes a negotiation result.
type EventSink interface {
	AgreementCreated(ctx context.Context, ag models.ContractAgreement)
	AccessGranted(ctx context.Context, agreementID, artifactID string, count int64)
}
