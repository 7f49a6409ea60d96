package negotiation

import (
	"context"
	"sync"
	"time"

	"dataspace/pkg/ledger"
	"dataspace/pkg/models"

	"github.com/google/uuid"
)

type memLedger struct {
	mu       sync.Mutex
	byID     map[string]models.ContractAgreement
	byDigest map[string]string
	access   map[string]models.AccessRecord
	sent     map[string]models.SentMessage

	createErr    error
	incrementErr error
}

func newMemLedger() *memLedger {
	return &memLedger{
		byID:     map[string]models.ContractAgreement{},
		byDigest: map[string]string{},
		access:   map[string]models.AccessRecord{},
		sent:     map[string]models.SentMessage{},
	}
}

func (m *memLedger) Create(_ context.Context, ag models.ContractAgreement) (models.ContractAgreement, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return models.ContractAgreement{}, false, m.createErr
	}
	digest, err := models.TermsDigest(ag.Consumer, ag.Artifacts, ag.Rules)
	if err != nil {
		return models.ContractAgreement{}, false, err
	}
	if id, ok := m.byDigest[digest]; ok {
		return m.byID[id], false, nil
	}
	m.byDigest[digest] = ag.ID
	m.byID[ag.ID] = ag
	return ag, true, nil
}

func (m *memLedger) SaveRemote(_ context.Context, ag models.ContractAgreement, confirmed bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	localID := uuid.NewString()
	ag.Confirmed = confirmed
	m.byID[localID] = ag
	m.byID[ag.ID] = ag
	return localID, nil
}

func (m *memLedger) Get(_ context.Context, id string) (models.ContractAgreement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ag, ok := m.byID[id]
	if !ok {
		return models.ContractAgreement{}, ledger.ErrNotFound
	}
	return ag, nil
}

func (m *memLedger) Access(_ context.Context, agreementID, artifactID string) (models.AccessRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.access[agreementID+"|"+artifactID]
	if !ok {
		return models.AccessRecord{AgreementID: agreementID, ArtifactID: artifactID}, nil
	}
	return rec, nil
}

func (m *memLedger) IncrementAccess(_ context.Context, agreementID, artifactID string, now time.Time) (models.AccessRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incrementErr != nil {
		return models.AccessRecord{}, m.incrementErr
	}
	key := agreementID + "|" + artifactID
	rec := m.access[key]
	rec.AgreementID = agreementID
	rec.ArtifactID = artifactID
	rec.Count++
	rec.LastAccess = now
	m.access[key] = rec
	return rec, nil
}

func (m *memLedger) LogSent(_ context.Context, msg models.SentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[msg.ID] = msg
	return nil
}

func (m *memLedger) GetSent(_ context.Context, id string) (models.SentMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.sent[id]
	if !ok {
		return models.SentMessage{}, ledger.ErrNotFound
	}
	return msg, nil
}

func (m *memLedger) agreements() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byDigest)
}

type fakeCatalog struct {
	mu            sync.Mutex
	descriptions  map[string]models.Description
	self          models.Description
	offers        map[string][]models.ContractOffer
	payloads      map[string][]byte
	savedPayloads map[string][]byte
	savedDescs    []models.Description

	payloadErr error
	resolveErr error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		descriptions:  map[string]models.Description{},
		offers:        map[string][]models.ContractOffer{},
		payloads:      map[string][]byte{},
		savedPayloads: map[string][]byte{},
	}
}

func (c *fakeCatalog) Resolve(_ context.Context, id string) (models.Description, error) {
	if c.resolveErr != nil {
		return models.Description{}, c.resolveErr
	}
	desc, ok := c.descriptions[id]
	if !ok {
		return models.Description{}, ErrNotFound
	}
	return desc, nil
}

func (c *fakeCatalog) SelfDescription(context.Context) (models.Description, error) {
	return c.self, nil
}

func (c *fakeCatalog) OffersByArtifact(_ context.Context, artifactID string) ([]models.ContractOffer, error) {
	return c.offers[artifactID], nil
}

func (c *fakeCatalog) Payload(_ context.Context, artifactID string) ([]byte, error) {
	if c.payloadErr != nil {
		return nil, c.payloadErr
	}
	data, ok := c.payloads[artifactID]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (c *fakeCatalog) SaveDescription(_ context.Context, desc models.Description) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.savedDescs = append(c.savedDescs, desc)
	return uuid.NewString(), nil
}

func (c *fakeCatalog) SavePayload(_ context.Context, artifactID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.savedPayloads[artifactID] = data
	return nil
}

type fakeTransport struct {
	mu       sync.Mutex
	sendFn   func(ctx context.Context, env models.Envelope, recipient string) (models.Envelope, error)
	notified []string
	notErr   error
}

func (t *fakeTransport) Send(ctx context.Context, env models.Envelope, recipient string) (models.Envelope, error) {
	return t.sendFn(ctx, env, recipient)
}

func (t *fakeTransport) Notify(_ context.Context, endpoint string, _ models.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notified = append(t.notified, endpoint)
	return t.notErr
}

func (t *fakeTransport) notifications() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.notified...)
}

type fakeTokens struct{ token string }

func (f fakeTokens) CurrentToken(context.Context) (string, error) { return f.token, nil }

type fakeRecorder struct {
	mu         sync.Mutex
	messages   map[string]int
	rejections map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{messages: map[string]int{}, rejections: map[string]int{}}
}

func (r *fakeRecorder) Message(msgType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[msgType]++
}

func (r *fakeRecorder) Rejection(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejections[reason]++
}
