package reminder

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/careremind/reminder-engine/internal/domain/appointment"
)

// Anchor selects which appointment time offsets are measured from after a reschedule.
type Anchor string

const (
	// AnchorCurrent measures offsets from the appointment's current time.
	AnchorCurrent Anchor = "current"
	// AnchorOriginal measures offsets from the first scheduled time while that time
	// is still in the future, falling back to the current time otherwise.
	AnchorOriginal Anchor = "original"
)

// OffsetRule is one signed delta from the appointment start.
type OffsetRule struct {
	ID         string        `json:"id"`
	Delta      time.Duration `json:"delta"`
	Label      string        `json:"label"`
	Enabled    bool          `json:"enabled"`
	TemplateID string        `json:"templateId,omitempty"`
}

// Policy is the reminder configuration applied to every appointment.
type Policy struct {
	Enabled          bool         `json:"enabled"`
	Offsets          []OffsetRule `json:"offsets"`
	TemplateID       string       `json:"templateId"`
	Channel          Channel      `json:"channel,omitempty"`
	RescheduleAnchor Anchor       `json:"rescheduleAnchor"`
}

// DefaultOffsets is one week, one day and one hour before the appointment.
const DefaultOffsets = "-7d:1 Week Before,-24h:1 Day Before,-1h:1 Hour Before"

// Validate checks rule ids are unique and the anchor is known.
func (p Policy) Validate() error {
	seen := make(map[string]bool, len(p.Offsets))
	for _, r := range p.Offsets {
		if r.ID == "" {
			return fmt.Errorf("offset rule %q has no id", r.Label)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate offset rule id %q", r.ID)
		}
		seen[r.ID] = true
	}
	switch p.RescheduleAnchor {
	case "", AnchorCurrent, AnchorOriginal:
	default:
		return fmt.Errorf("unknown reschedule anchor %q", p.RescheduleAnchor)
	}
	if p.Channel != "" {
		if _, err := ParseChannel(string(p.Channel)); err != nil {
			return err
		}
	}
	return nil
}

// TemplateFor returns the template a rule dispatches with.
func (p Policy) TemplateFor(r OffsetRule) string {
	if r.TemplateID != "" {
		return r.TemplateID
	}
	return p.TemplateID
}

// AnchorFor returns the instant offsets are measured from.
func (p Policy) AnchorFor(a appointment.Appointment, now time.Time) time.Time {
	if p.RescheduleAnchor == AnchorOriginal &&
		!a.OriginalScheduledAt.IsZero() && a.OriginalScheduledAt.After(now) {
		return a.OriginalScheduledAt
	}
	return a.ScheduledAt
}

// ParseOffsets parses "delta:label" pairs separated by commas, e.g. "-24h:day-before,-1h".
// A missing label defaults to the delta text. Rule ids are slugs of the labels.
func ParseOffsets(s string) ([]OffsetRule, error) {
	var rules []OffsetRule
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		raw, label, _ := strings.Cut(part, ":")
		raw = strings.TrimSpace(raw)
		label = strings.TrimSpace(label)
		delta, err := ParseDelta(raw)
		if err != nil {
			return nil, fmt.Errorf("offset %q: %w", part, err)
		}
		if label == "" {
			label = raw
		}
		rules = append(rules, OffsetRule{ID: Slug(label), Delta: delta, Label: label, Enabled: true})
	}
	return rules, nil
}

// ParseDelta accepts Go durations plus a day suffix, e.g. "-7d" or "1.5d".
func ParseDelta(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseFloat(days, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		return time.Duration(n * float64(24*time.Hour)), nil
	}
	return time.ParseDuration(s)
}

// Slug lowercases s and collapses every run of non-alphanumerics into one dash.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
