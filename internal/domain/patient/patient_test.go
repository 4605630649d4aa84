package patient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPatient_AddressFor(t *testing.T) {
	p := Patient{FirstName: "Ada", LastName: "Lovelace", Email: " ada@example.com ", Phone: "(555) 010-2030"}

	assert.Equal(t, "ada@example.com", p.AddressFor("email"))
	assert.Equal(t, "(555) 010-2030", p.AddressFor("sms"))
	assert.Equal(t, "(555) 010-2030", p.AddressFor("whatsapp"))
	assert.Empty(t, p.AddressFor("pager"))
	assert.Equal(t, "Ada Lovelace", p.DisplayName())
}

func TestPatient_DisplayNameTrims(t *testing.T) {
	assert.Equal(t, "Cher", Patient{FirstName: "Cher"}.DisplayName())
}
