package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"dataspace/pkg/models"
	"dataspace/pkg/rulematch"

	"github.com/google/uuid"
)

// ErrContractMismatch marks an agreement whose terms differ from the
// request that was sent. The caller must not proceed to request the
// artifact.
var ErrContractMismatch = errors.New("agreement terms differ from the sent request")

// RejectionError carries a remote peer's rejection back to the caller.
type RejectionError struct {
	Reason models.RejectionReason
	Text   string
}

func (e *RejectionError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("rejected by remote connector: %s", e.Reason)
	}
	return fmt.Sprintf("rejected by remote connector: %s (%s)", e.Reason, e.Text)
}

// Consumer drives the consumer-side negotiation: describe a remote
// element, propose contract terms, validate the returned agreement and
// fetch the artifact under it.
type Consumer struct {
	Identity     string
	ModelVersion string
	Transport    MessageTransport
	Catalog      ResourceCatalog
	Ledger       AgreementLedger
	Tokens       IdentityProvider
}

// Describe requests a remote element's metadata and persists it under a
// newly minted local id. An empty element id requests the full remote
// self-description.
func (c *Consumer) Describe(ctx context.Context, recipient, elementID string) (string, models.Description, error) {
	env, err := c.newMessage(ctx, models.MsgDescriptionRequest)
	if err != nil {
		return "", models.Description{}, err
	}
	env.RecipientConnector = recipient
	env.RequestedElement = elementID
	resp, err := c.send(ctx, env, recipient)
	if err != nil {
		return "", models.Description{}, err
	}
	var desc models.Description
	if err := json.Unmarshal(resp.Payload, &desc); err != nil {
		return "", models.Description{}, fmt.Errorf("unparsable description payload: %w", err)
	}
	localID, err := c.Catalog.SaveDescription(ctx, desc)
	if err != nil {
		return "", models.Description{}, fmt.Errorf("persist description: %w", err)
	}
	return localID, desc, nil
}

// RequestContract proposes the given rules for the given targets and
// validates the returned agreement before persisting it. Every returned
// term must match what was sent; a substitution of terms is a hard
// failure, never an auto-accept. The local agreement id is returned.
func (c *Consumer) RequestContract(ctx context.Context, recipient string, rules []models.Rule, targets []string) (string, error) {
	if len(rules) == 0 || len(targets) == 0 {
		return "", errors.New("contract request needs rules and targets")
	}
	stamped := make([]models.Rule, len(rules))
	for i, rule := range rules {
		rule.Assignee = c.Identity
		stamped[i] = rule
	}
	req := models.ContractRequest{
		Consumer: c.Identity,
		Rules:    stamped,
		Targets:  append([]string(nil), targets...),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal contract request: %w", err)
	}
	env, err := c.newMessage(ctx, models.MsgContractRequest)
	if err != nil {
		return "", err
	}
	env.RecipientConnector = recipient
	env.Payload = payload

	resp, err := c.send(ctx, env, recipient)
	if err != nil {
		return "", err
	}
	var ag models.ContractAgreement
	if err := json.Unmarshal(resp.Payload, &ag); err != nil {
		return "", fmt.Errorf("unparsable agreement payload: %w", err)
	}
	if err := c.checkCorrelation(ctx, resp); err != nil {
		return "", err
	}
	if err := rulematch.ValidateContent(req, ag); err != nil {
		return "", fmt.Errorf("%w: %v", ErrContractMismatch, err)
	}
	if err := rulematch.ValidateAssigner(ag, recipient); err != nil {
		return "", fmt.Errorf("%w: %v", ErrContractMismatch, err)
	}
	if err := rulematch.ValidateAssignee(ag, c.Identity); err != nil {
		return "", fmt.Errorf("%w: %v", ErrContractMismatch, err)
	}
	if err := rulematch.ValidateTargets(ag, targets); err != nil {
		return "", fmt.Errorf("%w: %v", ErrContractMismatch, err)
	}
	// Later artifact requests correlate to the agreement message, so its
	// envelope id travels with the mirrored agreement.
	ag.AgreementMessageID = resp.ID
	localID, err := c.Ledger.SaveRemote(ctx, ag, true)
	if err != nil {
		return "", fmt.Errorf("persist agreement: %w", err)
	}
	return localID, nil
}

// FetchArtifact requests artifact data under a stored agreement and
// persists the payload against the local artifact record.
func (c *Consumer) FetchArtifact(ctx context.Context, recipient, agreementID, artifactID string) error {
	ag, err := c.Ledger.Get(ctx, agreementID)
	if err != nil {
		return fmt.Errorf("resolve agreement: %w", err)
	}
	env, err := c.newMessage(ctx, models.MsgArtifactRequest)
	if err != nil {
		return err
	}
	env.RecipientConnector = recipient
	env.RequestedArtifact = artifactID
	env.TransferContract = ag.ID
	env.CorrelationID = ag.AgreementMessageID

	resp, err := c.send(ctx, env, recipient)
	if err != nil {
		return err
	}
	var data []byte
	if err := json.Unmarshal(resp.Payload, &data); err != nil {
		return fmt.Errorf("unparsable artifact payload: %w", err)
	}
	if err := c.Catalog.SavePayload(ctx, artifactID, data); err != nil {
		return fmt.Errorf("persist artifact data: %w", err)
	}
	return nil
}

// checkCorrelation verifies that an agreement message answers a
// contract request this connector actually sent. The correlation id
// must resolve to a logged outbound request.
func (c *Consumer) checkCorrelation(ctx context.Context, resp models.Envelope) error {
	if resp.CorrelationID == "" {
		return fmt.Errorf("%w: agreement message carries no correlation id", ErrContractMismatch)
	}
	sent, err := c.Ledger.GetSent(ctx, resp.CorrelationID)
	if err != nil {
		return fmt.Errorf("%w: correlation id %s matches no sent message", ErrContractMismatch, resp.CorrelationID)
	}
	if sent.Type != models.MsgContractRequest {
		return fmt.Errorf("%w: correlation id %s references a %s, not a contract request", ErrContractMismatch, resp.CorrelationID, sent.Type)
	}
	return nil
}

// newMessage builds an outbound envelope with a fresh id and the
// current security token.
func (c *Consumer) newMessage(ctx context.Context, msgType models.MessageType) (models.Envelope, error) {
	token := ""
	if c.Tokens != nil {
		var err error
		token, err = c.Tokens.CurrentToken(ctx)
		if err != nil {
			return models.Envelope{}, fmt.Errorf("obtain security token: %w", err)
		}
	}
	return models.Envelope{
		ID:              uuid.NewString(),
		Type:            msgType,
		ModelVersion:    c.ModelVersion,
		Issued:          time.Now().UTC(),
		IssuerConnector: c.Identity,
		SenderAgent:     c.Identity,
		SecurityToken:   token,
	}, nil
}

// send logs the outbound message, sends it and maps rejection replies
// to a RejectionError. The log entry lets a later agreement message be
// correlated back to the request that initiated it.
func (c *Consumer) send(ctx context.Context, env models.Envelope, recipient string) (models.Envelope, error) {
	if c.Ledger != nil {
		raw, err := json.Marshal(env)
		if err == nil {
			err = c.Ledger.LogSent(ctx, models.SentMessage{ID: env.ID, Type: env.Type, Raw: raw})
		}
		if err != nil {
			log.Printf("outbound message log failed: %v", err)
		}
	}
	resp, err := c.Transport.Send(ctx, env, recipient)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("send %s: %w", env.Type, err)
	}
	switch resp.Type {
	case models.MsgRejection, models.MsgContractRejection:
		return models.Envelope{}, &RejectionError{Reason: resp.RejectionReason, Text: resp.RejectionText}
	}
	return resp, nil
}
