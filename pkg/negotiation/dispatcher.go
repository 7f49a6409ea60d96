package negotiation

import (
	"context"

	"dataspace/pkg/models"
)

// Handler processes one inbound envelope and returns the response
// envelope. Handlers run to completion; mid-handler cancellation is not
// supported.
type Handler func(ctx context.Context, nc *Context, env models.Envelope) models.Envelope

// Recorder counts dispatched messages and rejections. Wired to the
// metrics registry in the connector binary; nil disables recording.
type Recorder interface {
	Message(msgType string)
	Rejection(reason string)
}

// Dispatcher routes inbound envelopes to the handler registered for
// their declared message type. It owns no negotiation state and never
// inspects payload contents.
type Dispatcher struct {
	Identity     string
	ModelVersion string
	Recorder     Recorder

	supported map[string]struct{}
	handlers  map[models.MessageType]Handler
}

// NewDispatcher builds a dispatcher that answers as identity with
// modelVersion and accepts the listed inbound versions. The outbound
// version is always accepted.
func NewDispatcher(identity, modelVersion string, inbound ...string) *Dispatcher {
	supported := map[string]struct{}{modelVersion: {}}
	for _, v := range inbound {
		supported[v] = struct{}{}
	}
	return &Dispatcher{
		Identity:     identity,
		ModelVersion: modelVersion,
		supported:    supported,
		handlers:     map[models.MessageType]Handler{},
	}
}

// Register binds a handler to one message type. Later registrations for
// the same type win.
func (d *Dispatcher) Register(msgType models.MessageType, h Handler) {
	d.handlers[msgType] = h
}

// Handle is the single entry point of the negotiation core. Shape and
// version errors are rejected before any domain logic runs.
func (d *Dispatcher) Handle(ctx context.Context, env models.Envelope) models.Envelope {
	if d.Recorder != nil {
		d.Recorder.Message(string(env.Type))
	}
	nc := newContext(env)
	if reason := env.ValidateShape(); reason != "" {
		return d.reject(nc, reason, "message failed shape validation")
	}
	if _, ok := d.supported[env.ModelVersion]; !ok {
		return d.reject(nc, models.RejectVersionNotSupported, "information model version not supported")
	}
	h, ok := d.handlers[env.Type]
	if !ok {
		return d.reject(nc, models.RejectTypeNotSupported, "no handler for message type")
	}
	resp := h(ctx, nc, env)
	if d.Recorder != nil && resp.RejectionReason != "" {
		d.Recorder.Rejection(string(resp.RejectionReason))
	}
	return resp
}

func (d *Dispatcher) reject(nc *Context, reason models.RejectionReason, text string) models.Envelope {
	if d.Recorder != nil {
		d.Recorder.Rejection(string(reason))
	}
	return rejection(d.Identity, d.ModelVersion, nc, reason, text)
}
