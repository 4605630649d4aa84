package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	data := Data{
		"patientName":     "Ada Lovelace",
		"appointmentDate": "Mar 10, 2025",
		"clinicName":      "CareRemind Medical Center",
	}

	tests := []struct {
		name string
		tpl  string
		want string
	}{
		{"plain", "Hello {{patientName}}", "Hello Ada Lovelace"},
		{"case insensitive", "Hello {{PATIENTNAME}}", "Hello Ada Lovelace"},
		{"whitespace", "Hello {{  patientName\t}}", "Hello Ada Lovelace"},
		{"repeated", "{{clinicName}} / {{clinicName}}", "CareRemind Medical Center / CareRemind Medical Center"},
		{"missing key", "Call {{clinicPhone}}", "Call [clinicPhone]"},
		{"missing keeps spelling", "Dr. {{ DoctorName }}", "Dr. [DoctorName]"},
		{"no placeholders", "See you soon", "See you soon"},
		{"unbalanced", "{{patientName} and {clinicName}}", "{{patientName} and {clinicName}}"},
		{"empty template", "", ""},
		{"utf8", "¡Hola {{patientName}}! 👋 {{appointmentDate}}", "¡Hola Ada Lovelace! 👋 Mar 10, 2025"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.tpl, data))
		})
	}
}

func TestRender_ReproducesValuesVerbatim(t *testing.T) {
	data := Data{"a": "{{b}}", "b": "never", "c": "$1 \\n"}
	assert.Equal(t, "{{b}}|$1 \\n", Render("{{a}}|{{c}}", data))
}

func TestRender_EmptyValueIsPresent(t *testing.T) {
	assert.Equal(t, "Notes: ", Render("Notes: {{notes}}", Data{"notes": ""}))
}

func TestRender_NilData(t *testing.T) {
	assert.Equal(t, "Hi [name]", Render("Hi {{name}}", nil))
}

func TestRender_CaseCollidingKeys(t *testing.T) {
	data := Data{"name": "lower", "Name": "title", "NAME": "upper"}
	for i := 0; i < 20; i++ {
		assert.Equal(t, "title|lower|upper", Render("{{Name}}|{{name}}|{{NAME}}", data))
		// other spellings take the lexically smallest key
		assert.Equal(t, "upper", Render("{{nAmE}}", data))
	}
}

func TestPlaceholders(t *testing.T) {
	keys := Placeholders("{{patientName}} {{ PatientName }} {{doctorName}} {{}}")
	assert.Equal(t, []string{"patientName", "doctorName"}, keys)
}

func TestMissing(t *testing.T) {
	missing := Missing("{{patientName}} at {{clinicAddress}}", Data{"patientname": "x"})
	assert.Equal(t, []string{"clinicAddress"}, missing)
}
