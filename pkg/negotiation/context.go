package negotiation

import (
	"time"

	"dataspace/pkg/models"

	"github.com/google/uuid"
)

// Context is the transient per-exchange state: who sent the inbound
// message and which message id the response must correlate to. It lives
// for one request/response cycle and is never shared or persisted.
type Context struct {
	InboundID     string
	Issuer        string
	SenderAgent   string
	ModelVersion  string
	CorrelationID string
	Received      time.Time
}

func newContext(env models.Envelope) *Context {
	return &Context{
		InboundID:     env.ID,
		Issuer:        env.IssuerConnector,
		SenderAgent:   env.SenderAgent,
		ModelVersion:  env.ModelVersion,
		CorrelationID: env.CorrelationID,
		Received:      time.Now().UTC(),
	}
}

// reply builds a response envelope correlated to the inbound message.
func reply(identity, version string, nc *Context, msgType models.MessageType) models.Envelope {
	return models.Envelope{
		ID:                 uuid.NewString(),
		Type:               msgType,
		ModelVersion:       version,
		Issued:             time.Now().UTC(),
		IssuerConnector:    identity,
		RecipientConnector: nc.Issuer,
		CorrelationID:      nc.InboundID,
	}
}

// rejection builds an error envelope with one reason from the fixed
// vocabulary and a short human-readable text. Diagnostic detail never
// travels on the wire.
func rejection(identity, version string, nc *Context, reason models.RejectionReason, text string) models.Envelope {
	env := reply(identity, version, nc, models.MsgRejection)
	env.RejectionReason = reason
	env.RejectionText = text
	return env
}

// contractRejection builds a ContractRejectionMessage for content-level
// negotiation failures.
func contractRejection(identity, version string, nc *Context, reason models.RejectionReason, text string) models.Envelope {
	env := reply(identity, version, nc, models.MsgContractRejection)
	env.RejectionReason = reason
	env.RejectionText = text
	return env
}
