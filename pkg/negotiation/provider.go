package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"dataspace/pkg/ledger"
	"dataspace/pkg/models"
	"dataspace/pkg/policy"
	"dataspace/pkg/rulematch"

	"github.com/google/uuid"
)

// ProviderConfig carries the explicit toggles of the provider role.
// NegotiationEnabled replaces the ambient singleton flag of older
// connector designs; it is checked once per inbound request.
type ProviderConfig struct {
	Identity           string
	ModelVersion       string
	NegotiationEnabled bool
	// ContractValidity bounds new agreements when the request carries
	// no explicit window.
	ContractValidity time.Duration
}

// Provider drives the provider-side negotiation states: a contract
// request is validated against the stored offers, a matching request
// becomes a persisted agreement, and artifact delivery is gated by
// re-evaluating the agreed terms on every request.
type Provider struct {
	Config    ProviderConfig
	Catalog   ResourceCatalog
	Ledger    AgreementLedger
	Gate      ledger.Gate
	Verifier  *policy.Verifier
	Transport MessageTransport
	Audit     AuditSink
	Events    EventSink
}

// Register wires the provider handlers into the dispatcher.
func (p *Provider) Register(d *Dispatcher) {
	d.Register(models.MsgDescriptionRequest, p.HandleDescription)
	d.Register(models.MsgContractRequest, p.HandleContractRequest)
	d.Register(models.MsgArtifactRequest, p.HandleArtifactRequest)
	d.Register(models.MsgNotification, p.HandleNotification)
}

// HandleDescription resolves one element or returns the full
// self-description when no element is requested.
func (p *Provider) HandleDescription(ctx context.Context, nc *Context, env models.Envelope) models.Envelope {
	var desc models.Description
	var err error
	if env.RequestedElement != "" {
		desc, err = p.Catalog.Resolve(ctx, env.RequestedElement)
	} else {
		desc, err = p.Catalog.SelfDescription(ctx)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return p.reject(nc, models.RejectNotFound, "requested element not found")
		}
		log.Printf("description resolution failed: %v", err)
		return p.reject(nc, models.RejectInternalError, "could not resolve requested element")
	}
	payload, err := json.Marshal(desc)
	if err != nil {
		log.Printf("description marshal failed: %v", err)
		return p.reject(nc, models.RejectInternalError, "could not build description")
	}
	resp := reply(p.Config.Identity, p.Config.ModelVersion, nc, models.MsgDescriptionResponse)
	resp.Payload = payload
	return resp
}

// HandleContractRequest matches the proposed rules against the stored
// offers of every target artifact and persists the agreement exactly
// once per terms. A replay of already-agreed terms returns the existing
// agreement id.
func (p *Provider) HandleContractRequest(ctx context.Context, nc *Context, env models.Envelope) models.Envelope {
	if !p.Config.NegotiationEnabled {
		return p.contractReject(nc, models.RejectBadParameters, "contract negotiation is disabled")
	}
	if len(env.Payload) == 0 {
		return p.reject(nc, models.RejectBadParameters, "missing contract request payload")
	}
	var req models.ContractRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return p.reject(nc, models.RejectBadParameters, "unparsable contract request payload")
	}
	if len(req.Rules) == 0 || len(req.Targets) == 0 {
		return p.reject(nc, models.RejectBadParameters, "contract request names no rules or targets")
	}
	if err := policy.ValidateRules(req.Rules); err != nil {
		log.Printf("contract request from %s rejected: %v", nc.Issuer, err)
		return p.contractReject(nc, models.RejectBadParameters, "rule uses unsupported constraint vocabulary")
	}
	for _, target := range req.Targets {
		offers, err := p.Catalog.OffersByArtifact(ctx, target)
		if err != nil && !errors.Is(err, ErrNotFound) {
			log.Printf("offer lookup for %s failed: %v", target, err)
			return p.reject(nc, models.RejectInternalError, "could not resolve contract offers")
		}
		if len(offers) == 0 {
			return p.reject(nc, models.RejectNotFound, "no contract offer governs the requested artifact")
		}
		if !matchAnyOffer(offers, rulesForTarget(req.Rules, target)) {
			return p.contractReject(nc, models.RejectBadParameters, "contract request does not match the offered terms")
		}
	}

	consumer := req.Consumer
	if consumer == "" {
		consumer = nc.Issuer
	}
	ag := p.buildAgreement(req, consumer)
	stored, created, err := p.Ledger.Create(ctx, ag)
	if err != nil {
		log.Printf("agreement persistence failed: %v", err)
		return p.reject(nc, models.RejectInternalError, "could not persist agreement")
	}
	if created && p.Events != nil {
		p.Events.AgreementCreated(ctx, stored)
	}

	payload, err := json.Marshal(stored)
	if err != nil {
		log.Printf("agreement marshal failed: %v", err)
		return p.reject(nc, models.RejectInternalError, "could not build agreement message")
	}
	resp := reply(p.Config.Identity, p.Config.ModelVersion, nc, models.MsgContractAgreement)
	resp.TransferContract = stored.ID
	resp.Payload = payload
	return resp
}

// HandleArtifactRequest gates delivery on the referenced agreement. The
// access counter is incremented only after the payload is confirmed
// ready to send, under the per-agreement gate.
func (p *Provider) HandleArtifactRequest(ctx context.Context, nc *Context, env models.Envelope) models.Envelope {
	if env.RequestedArtifact == "" {
		return p.reject(nc, models.RejectBadParameters, "missing requested artifact")
	}
	if !p.Config.NegotiationEnabled {
		return p.deliver(ctx, nc, env.RequestedArtifact)
	}
	if env.TransferContract == "" {
		return p.reject(nc, models.RejectBadParameters, "missing transfer contract")
	}
	ag, err := p.Ledger.Get(ctx, env.TransferContract)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return p.reject(nc, models.RejectBadParameters, "missing or invalid transfer contract")
		}
		log.Printf("agreement lookup failed: %v", err)
		return p.reject(nc, models.RejectInternalError, "could not resolve transfer contract")
	}
	if !governs(ag, env.RequestedArtifact) {
		return p.reject(nc, models.RejectBadParameters, "affected resource mismatch")
	}

	release, err := p.Gate.Lock(ctx, ag.ID)
	if err != nil {
		log.Printf("access gate for %s failed: %v", ag.ID, err)
		return p.reject(nc, models.RejectInternalError, "could not serialize access check")
	}
	defer release()

	rec, err := p.Ledger.Access(ctx, ag.ID, env.RequestedArtifact)
	if err != nil {
		log.Printf("access record read failed: %v", err)
		return p.reject(nc, models.RejectInternalError, "could not read access record")
	}
	decision, err := p.Verifier.Evaluate(ctx, ag, env.RequestedArtifact, policy.Facts{
		Access:        rec,
		ContractStart: ag.ContractStart,
		Consumer:      nc.Issuer,
	})
	if err != nil {
		log.Printf("policy evaluation for %s failed: %v", ag.ID, err)
		return p.reject(nc, models.RejectInternalError, "could not evaluate usage policy")
	}
	if !decision.Allowed {
		return p.reject(nc, models.RejectNotAuthorized, decision.Reason)
	}

	data, err := p.Catalog.Payload(ctx, env.RequestedArtifact)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return p.reject(nc, models.RejectNotFound, "artifact data not found")
		}
		log.Printf("payload fetch for %s failed: %v", env.RequestedArtifact, err)
		return p.reject(nc, models.RejectInternalError, "could not fetch artifact data")
	}
	rec, err = p.Ledger.IncrementAccess(ctx, ag.ID, env.RequestedArtifact, time.Now().UTC())
	if err != nil {
		log.Printf("access increment for %s failed: %v", ag.ID, err)
		return p.reject(nc, models.RejectInternalError, "could not record access")
	}

	p.fireDuties(ctx, nc, ag, env.RequestedArtifact, rec.Count, decision)

	payload, err := json.Marshal(data)
	if err != nil {
		return p.reject(nc, models.RejectInternalError, "could not encode artifact data")
	}
	resp := reply(p.Config.Identity, p.Config.ModelVersion, nc, models.MsgArtifactResponse)
	resp.TransferContract = ag.ID
	resp.Payload = payload
	return resp
}

// HandleNotification acknowledges a notification message.
func (p *Provider) HandleNotification(_ context.Context, nc *Context, _ models.Envelope) models.Envelope {
	return reply(p.Config.Identity, p.Config.ModelVersion, nc, models.MsgProcessedNotify)
}

// deliver serves an artifact without gating, used when negotiation is
// turned off for the whole connector.
func (p *Provider) deliver(ctx context.Context, nc *Context, artifactID string) models.Envelope {
	data, err := p.Catalog.Payload(ctx, artifactID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return p.reject(nc, models.RejectNotFound, "artifact data not found")
		}
		log.Printf("payload fetch for %s failed: %v", artifactID, err)
		return p.reject(nc, models.RejectInternalError, "could not fetch artifact data")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return p.reject(nc, models.RejectInternalError, "could not encode artifact data")
	}
	resp := reply(p.Config.Identity, p.Config.ModelVersion, nc, models.MsgArtifactResponse)
	resp.Payload = payload
	return resp
}

// fireDuties performs the notify and logging duties of a granted
// access. Duty failures are logged and never revoke the grant.
func (p *Provider) fireDuties(ctx context.Context, nc *Context, ag models.ContractAgreement, artifactID string, count int64, decision policy.Decision) {
	for _, endpoint := range decision.NotifyEndpoints {
		note := reply(p.Config.Identity, p.Config.ModelVersion, nc, models.MsgNotification)
		note.TransferContract = ag.ID
		note.RequestedArtifact = artifactID
		if err := p.Transport.Notify(ctx, endpoint, note); err != nil {
			log.Printf("usage notification to %s failed: %v", endpoint, err)
		}
	}
	if decision.LogUsage && p.Audit != nil {
		if err := p.Audit.Usage(ctx, ag.ID, artifactID, ag.Consumer, count); err != nil {
			log.Printf("usage logging for %s failed: %v", ag.ID, err)
		}
	}
	if !decision.DeleteAt.IsZero() {
		log.Printf("artifact %s under agreement %s carries a deletion duty at %s", artifactID, ag.ID, decision.DeleteAt.Format(time.RFC3339))
	}
	if p.Events != nil {
		p.Events.AccessGranted(ctx, ag.ID, artifactID, count)
	}
}

func (p *Provider) buildAgreement(req models.ContractRequest, consumer string) models.ContractAgreement {
	validity := p.Config.ContractValidity
	if validity <= 0 {
		validity = 365 * 24 * time.Hour
	}
	now := time.Now().UTC()
	rules := make([]models.Rule, len(req.Rules))
	for i, rule := range req.Rules {
		rule.Assigner = p.Config.Identity
		rule.Assignee = consumer
		rules[i] = rule
	}
	targets := append([]string(nil), req.Targets...)
	return models.ContractAgreement{
		ID:            uuid.NewString(),
		Provider:      p.Config.Identity,
		Consumer:      consumer,
		Rules:         rules,
		ContractStart: now,
		ContractEnd:   now.Add(validity),
		Confirmed:     true,
		Artifacts:     targets,
	}
}

func (p *Provider) reject(nc *Context, reason models.RejectionReason, text string) models.Envelope {
	return rejection(p.Config.Identity, p.Config.ModelVersion, nc, reason, text)
}

func (p *Provider) contractReject(nc *Context, reason models.RejectionReason, text string) models.Envelope {
	return contractRejection(p.Config.Identity, p.Config.ModelVersion, nc, reason, text)
}

// rulesForTarget selects the request rules applying to one target; a
// rule with no explicit target applies to every requested artifact.
func rulesForTarget(rules []models.Rule, target string) []models.Rule {
	var out []models.Rule
	for _, rule := range rules {
		if rule.Target == "" || rule.Target == target {
			out = append(out, rule)
		}
	}
	return out
}

func matchAnyOffer(offers []models.ContractOffer, requestRules []models.Rule) bool {
	for _, offer := range offers {
		if rulematch.Match(offer.Rules, requestRules) {
			return true
		}
	}
	return false
}

func governs(ag models.ContractAgreement, artifactID string) bool {
	for _, a := range ag.Artifacts {
		if a == artifactID {
			return true
		}
	}
	return false
}
