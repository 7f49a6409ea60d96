package models

import (
	"encoding/json"
	"strings"
	"time"
)

// RuleKind distinguishes the three rule variants of a usage contract.
type RuleKind string

const (
	KindPermission  RuleKind = "PERMISSION"
	KindProhibition RuleKind = "PROHIBITION"
	KindDuty        RuleKind = "DUTY"
)

// Action names the operation a rule governs.
type Action string

const (
	ActionUse    Action = "USE"
	ActionNotify Action = "NOTIFY"
	ActionLog    Action = "LOG"
	ActionDelete Action = "DELETE"
)

// LeftOperand is the fixed constraint vocabulary. Values outside this
// set are rejected when an agreement is created, never at delivery.
type LeftOperand string

const (
	OperandCount                LeftOperand = "COUNT"
	OperandElapsedTime          LeftOperand = "ELAPSED_TIME"
	OperandPolicyEvaluationTime LeftOperand = "POLICY_EVALUATION_TIME"
	OperandEndpoint             LeftOperand = "ENDPOINT"
	OperandSystem               LeftOperand = "SYSTEM"
)

type Operator string

const (
	OpEQ        Operator = "EQ"
	OpLT        Operator = "LT"
	OpLTEQ      Operator = "LTEQ"
	OpGT        Operator = "GT"
	OpGTEQ      Operator = "GTEQ"
	OpAfter     Operator = "AFTER"
	OpBefore    Operator = "BEFORE"
	OpShorterEq      Operator = "SHORTER_EQ"
	OpDefinesAs      Operator = "DEFINES_AS"
	OpSameAs         Operator = "SAME_AS"
	OpTemporalEquals Operator = "TEMPORAL_EQUALS"
)

func KnownLeftOperand(op LeftOperand) bool {
	switch op {
	case OperandCount, OperandElapsedTime, OperandPolicyEvaluationTime, OperandEndpoint, OperandSystem:
		return true
	default:
		return false
	}
}

func KnownOperator(op Operator) bool {
	switch op {
	case OpEQ, OpLT, OpLTEQ, OpGT, OpGTEQ, OpAfter, OpBefore, OpShorterEq, OpDefinesAs, OpSameAs, OpTemporalEquals:
		return true
	default:
		return false
	}
}

// Constraint is one (operand, operator, literal) predicate. RightOperand
// is a typed literal carried as its string form: integer, ISO-8601
// duration, RFC 3339 timestamp or URI depending on the operand.
// PipEndpoint, when set, marks the constraint as resolved through an
// external policy information point instead of local state.
type Constraint struct {
	LeftOperand  LeftOperand `json:"left_operand"`
	Operator     Operator    `json:"operator"`
	RightOperand string      `json:"right_operand"`
	PipEndpoint  string      `json:"pip_endpoint,omitempty"`
}

// Rule is a Permission, Prohibition or Duty. Immutable once embedded in
// an agreement.
type Rule struct {
	ID          string       `json:"id,omitempty"`
	Kind        RuleKind     `json:"kind"`
	Title       string       `json:"title,omitempty"`
	Action      Action       `json:"action"`
	Constraints []Constraint `json:"constraints,omitempty"`
	Assigner    string       `json:"assigner,omitempty"`
	Assignee    string       `json:"assignee,omitempty"`
	Target      string       `json:"target,omitempty"`
}

// ContractOffer is the provider-side usage policy of a resource. No
// assignee is bound until a request is matched against it.
type ContractOffer struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Rules    []Rule `json:"rules"`
}

// ContractRequest is the consumer's proposed rule set. Transient; it is
// never persisted beyond the negotiation that carries it.
type ContractRequest struct {
	Consumer string   `json:"consumer"`
	Rules    []Rule   `json:"rules"`
	Targets  []string `json:"targets"`
}

// ContractAgreement is the persisted outcome of a successful
// negotiation. The rule set is immutable after persistence;
// renegotiation produces a new agreement id.
type ContractAgreement struct {
	ID            string    `json:"id"`
	Provider      string    `json:"provider"`
	Consumer      string    `json:"consumer"`
	Rules         []Rule    `json:"rules"`
	ContractStart time.Time `json:"contract_start"`
	ContractEnd   time.Time `json:"contract_end"`
	Confirmed     bool      `json:"confirmed"`
	Artifacts     []string  `json:"artifacts"`

	// AgreementMessageID is the envelope id of the agreement message that
	// carried this agreement. Artifact requests correlate back to it.
	AgreementMessageID string `json:"agreement_message_id,omitempty"`
}

// AccessRecord tracks deliveries per (agreement, artifact). The counter
// never decreases and is only read-then-incremented atomically.
type AccessRecord struct {
	AgreementID string    `json:"agreement_id"`
	ArtifactID  string    `json:"artifact_id"`
	Count       int64     `json:"count"`
	LastAccess  time.Time `json:"last_access"`
}

// Message types of the negotiation protocol.
type MessageType string

const (
	MsgDescriptionRequest  MessageType = "DescriptionRequestMessage"
	MsgDescriptionResponse MessageType = "DescriptionResponseMessage"
	MsgContractRequest     MessageType = "ContractRequestMessage"
	MsgContractAgreement   MessageType = "ContractAgreementMessage"
	MsgContractRejection   MessageType = "ContractRejectionMessage"
	MsgArtifactRequest     MessageType = "ArtifactRequestMessage"
	MsgArtifactResponse    MessageType = "ArtifactResponseMessage"
	MsgNotification        MessageType = "NotificationMessage"
	MsgProcessedNotify     MessageType = "MessageProcessedNotificationMessage"
	MsgRejection           MessageType = "RejectionMessage"
)

// RejectionReason is the fixed error vocabulary sent over the wire.
// Diagnostic detail stays in local logs.
type RejectionReason string

const (
	RejectBadParameters       RejectionReason = "BAD_PARAMETERS"
	RejectNotFound            RejectionReason = "NOT_FOUND"
	RejectNotAuthorized       RejectionReason = "NOT_AUTHORIZED"
	RejectVersionNotSupported RejectionReason = "VERSION_NOT_SUPPORTED"
	RejectMalformedMessage    RejectionReason = "MALFORMED_MESSAGE"
	RejectInternalError       RejectionReason = "INTERNAL_RECIPIENT_ERROR"
	RejectTypeNotSupported    RejectionReason = "MESSAGE_TYPE_NOT_SUPPORTED"
)

// Envelope is the transport-independent message header plus payload.
// Wire encoding and signing belong to the transport layer.
type Envelope struct {
	ID                 string          `json:"id"`
	Type               MessageType     `json:"type"`
	ModelVersion       string          `json:"model_version"`
	Issued             time.Time       `json:"issued"`
	IssuerConnector    string          `json:"issuer_connector"`
	SenderAgent        string          `json:"sender_agent,omitempty"`
	RecipientConnector string          `json:"recipient_connector,omitempty"`
	CorrelationID      string          `json:"correlation_id,omitempty"`
	SecurityToken      string          `json:"security_token,omitempty"`
	RequestedElement   string          `json:"requested_element,omitempty"`
	RequestedArtifact  string          `json:"requested_artifact,omitempty"`
	TransferContract   string          `json:"transfer_contract,omitempty"`
	RejectionReason    RejectionReason `json:"rejection_reason,omitempty"`
	RejectionText      string          `json:"rejection_text,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
}

// ValidateShape checks protocol-shape requirements before any domain
// logic runs. It does not inspect the payload.
func (e Envelope) ValidateShape() RejectionReason {
	if strings.TrimSpace(string(e.Type)) == "" {
		return RejectMalformedMessage
	}
	if strings.TrimSpace(e.IssuerConnector) == "" {
		return RejectMalformedMessage
	}
	if strings.TrimSpace(e.ModelVersion) == "" {
		return RejectVersionNotSupported
	}
	return ""
}

// Description is the catalog/resource metadata returned on a
// description request. Payload shape is owned by the resource catalog.
type Description struct {
	ID             string          `json:"id"`
	Title          string          `json:"title,omitempty"`
	Keywords       []string        `json:"keywords,omitempty"`
	Policy         json.RawMessage `json:"policy,omitempty"`
	Representation json.RawMessage `json:"representation,omitempty"`
}

// SentMessage is one entry in the outbound message log, used to resolve
// an agreement message back to the artifact request that initiated it.
type SentMessage struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Raw       []byte      `json:"raw"`
	CreatedAt time.Time   `json:"created_at"`
}
