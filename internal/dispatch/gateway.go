// Package dispatch isolates notification providers behind a one-shot Send.
//
// A Gateway makes exactly one attempt per call. Failures are classified as
// apperr invalid_recipient (the address cannot be used on the channel) or
// apperr provider_unavailable (transport failure); retries belong to the caller.
package dispatch

import (
	"context"
	"errors"

	"github.com/careremind/reminder-engine/internal/apperr"
	"github.com/careremind/reminder-engine/internal/domain/reminder"
)

// Message is one reminder to deliver
type Message struct {
	ID        string            `json:"id"`
	Recipient string            `json:"recipient"`
	Channel   reminder.Channel  `json:"channel"`
	Subject   string            `json:"subject,omitempty"`
	Body      string            `json:"body"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Result is the provider's answer to a send
type Result struct {
	ExternalID  string `json:"externalId,omitempty"`
	DeliveredOK bool   `json:"deliveredOk"`
}

// Gateway sends one message over its channel
type Gateway interface {
	Send(ctx context.Context, msg Message) (Result, error)
}

// GatewayFunc adapts a function to Gateway
type GatewayFunc func(ctx context.Context, msg Message) (Result, error)

// Send calls f
func (f GatewayFunc) Send(ctx context.Context, msg Message) (Result, error) {
	return f(ctx, msg)
}

// InvalidRecipient builds the error for an unusable address
func InvalidRecipient(channel reminder.Channel, reason string) error {
	return apperr.New(apperr.KindInvalidRecipient, "dispatch.send", "%s recipient %s", channel, reason)
}

// ProviderUnavailable wraps a transport failure
func ProviderUnavailable(provider string, cause error) error {
	return apperr.Wrap(apperr.KindProviderUnavailable, "dispatch.send", cause, "%s unavailable", provider)
}

var errNoRoute = errors.New("no gateway configured")

// ErrNotDelivered is the cause recorded when a provider answers without error
// but does not confirm delivery.
var ErrNotDelivered = errors.New("provider did not confirm delivery")

// Router sends each message through the gateway registered for its channel,
// falling back to a default gateway.
type Router struct {
	routes   map[reminder.Channel]Gateway
	fallback Gateway
}

// NewRouter creates a router, fallback may be nil
func NewRouter(fallback Gateway) *Router {
	return &Router{routes: make(map[reminder.Channel]Gateway), fallback: fallback}
}

// Route registers gw for channel
func (r *Router) Route(channel reminder.Channel, gw Gateway) *Router {
	r.routes[channel] = gw
	return r
}

// Send dispatches by channel
func (r *Router) Send(ctx context.Context, msg Message) (Result, error) {
	gw, ok := r.routes[msg.Channel]
	if !ok {
		gw = r.fallback
	}
	if gw == nil {
		return Result{}, ProviderUnavailable("channel "+string(msg.Channel), errNoRoute)
	}
	return gw.Send(ctx, msg)
}
