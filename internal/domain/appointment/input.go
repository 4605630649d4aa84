package appointment

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/careremind/reminder-engine/internal/apperr"
)

// Wire layouts for the date and time fields of appointment requests.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// CreateInput is the request to schedule a new appointment
type CreateInput struct {
	PatientID        string `json:"patientId" validate:"required,max=64"`
	Date             string `json:"date" validate:"required,datetime=2006-01-02"`
	Time             string `json:"time" validate:"required,datetime=15:04"`
	DurationMinutes  int    `json:"durationMinutes" validate:"omitempty,min=5,max=480"`
	Type             string `json:"type" validate:"required,max=100"`
	Notes            string `json:"notes" validate:"max=2000"`
	DoctorName       string `json:"doctorName" validate:"max=200"`
	RemindersEnabled *bool  `json:"remindersEnabled"`
}

// RescheduleInput is the request to move an appointment to a new slot
type RescheduleInput struct {
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
	Time string `json:"time" validate:"required,datetime=15:04"`
}

// UpdateInput carries optional field changes. Nil fields are left untouched.
type UpdateInput struct {
	Date             *string `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Time             *string `json:"time" validate:"omitempty,datetime=15:04"`
	DurationMinutes  *int    `json:"durationMinutes" validate:"omitempty,min=5,max=480"`
	Type             *string `json:"type" validate:"omitempty,min=1,max=100"`
	Notes            *string `json:"notes" validate:"omitempty,max=2000"`
	DoctorName       *string `json:"doctorName" validate:"omitempty,max=200"`
	RemindersEnabled *bool   `json:"remindersEnabled"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct runs struct tags and converts failures into a field-level validation error.
func validateStruct(op string, s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Wrap(apperr.KindValidation, op, err, "invalid input")
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describe(fe)
	}
	return apperr.Validation(op, fields)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "datetime":
		return fmt.Sprintf("must match layout %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s check", fe.Tag())
	}
}

// parseSlot turns a wall-clock date and time in loc into an instant.
func parseSlot(op, date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	at, err := time.ParseInLocation(DateLayout+" "+TimeLayout, date+" "+clock, loc)
	if err != nil {
		return time.Time{}, apperr.InvalidField(op, "date", "invalid date or time")
	}
	return at.UTC(), nil
}
