// Package patient holds the read model of patients owned by the record store.
package patient

import (
	"context"
	"strings"
)

// Patient is read-only to the reminder engine.
type Patient struct {
	ID                string `json:"id"`
	FirstName         string `json:"firstName"`
	LastName          string `json:"lastName"`
	Email             string `json:"email,omitempty"`
	Phone             string `json:"phone,omitempty"`
	PreferredChannel  string `json:"preferredChannel,omitempty"`
	PreferredLanguage string `json:"preferredLanguage,omitempty"`
}

// DisplayName is the name used in reminder content.
func (p Patient) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// AddressFor returns the contact address for a channel name, empty when the patient has none.
func (p Patient) AddressFor(channel string) string {
	switch channel {
	case "email":
		return strings.TrimSpace(p.Email)
	case "sms", "whatsapp":
		return strings.TrimSpace(p.Phone)
	}
	return ""
}

// Reader resolves patients by id. Unknown ids fail with apperr not_found.
type Reader interface {
	GetPatient(ctx context.Context, id string) (*Patient, error)
}
