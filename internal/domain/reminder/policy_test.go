package reminder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careremind/reminder-engine/internal/apperr"
)

func TestParseOffsets(t *testing.T) {
	rules, err := ParseOffsets(DefaultOffsets)
	require.NoError(t, err)
	require.Len(t, rules, 3)

	assert.Equal(t, OffsetRule{ID: "1-week-before", Delta: -7 * 24 * time.Hour, Label: "1 Week Before", Enabled: true}, rules[0])
	assert.Equal(t, -24*time.Hour, rules[1].Delta)
	assert.Equal(t, "1-hour-before", rules[2].ID)
}

func TestParseOffsets_LabelDefaultsToDelta(t *testing.T) {
	rules, err := ParseOffsets(" -30m , ")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "-30m", rules[0].Label)
	assert.Equal(t, "30m", rules[0].ID)
}

func TestParseOffsets_Invalid(t *testing.T) {
	_, err := ParseOffsets("-1w:weekly")
	assert.Error(t, err)
	_, err = ParseOffsets("-xd")
	assert.Error(t, err)
}

func TestParseDelta(t *testing.T) {
	d, err := ParseDelta("1.5d")
	require.NoError(t, err)
	assert.Equal(t, 36*time.Hour, d)

	d, err = ParseDelta("-90m")
	require.NoError(t, err)
	assert.Equal(t, -90*time.Minute, d)
}

func TestPolicy_Validate(t *testing.T) {
	rules, err := ParseOffsets("-24h:day,-1h:day")
	require.NoError(t, err)
	assert.Error(t, Policy{Offsets: rules}.Validate())

	assert.Error(t, Policy{RescheduleAnchor: "sideways"}.Validate())
	assert.Error(t, Policy{Channel: "fax"}.Validate())
	assert.NoError(t, Policy{RescheduleAnchor: AnchorOriginal, Channel: ChannelWhatsApp}.Validate())
}

func TestPolicy_TemplateFor(t *testing.T) {
	p := Policy{TemplateID: "default"}
	assert.Equal(t, "default", p.TemplateFor(OffsetRule{}))
	assert.Equal(t, "week", p.TemplateFor(OffsetRule{TemplateID: "week"}))
}

func TestParseChannel(t *testing.T) {
	for _, c := range Channels {
		got, err := ParseChannel(string(c))
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	_, err := ParseChannel("pigeon")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "1-day-before", Slug("  1 Day -- Before! "))
	assert.Equal(t, "", Slug("***"))
}
