package dispatch

import (
	"net/mail"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/careremind/reminder-engine/internal/domain/reminder"
)

// WhatsAppPrefix is prepended to E.164 numbers by providers that address WhatsApp
// recipients as "whatsapp:+15550102030".
const WhatsAppPrefix = "whatsapp:"

// NormalizeAddress validates addr for channel and returns its canonical form:
// the bare address for email, E.164 for SMS and WhatsApp. region is the ISO
// country used for numbers written without a country code.
func NormalizeAddress(channel reminder.Channel, addr, region string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", InvalidRecipient(channel, "is empty")
	}

	switch channel {
	case reminder.ChannelEmail:
		parsed, err := mail.ParseAddress(addr)
		if err != nil || parsed.Address != addr || !strings.Contains(addr[strings.LastIndex(addr, "@")+1:], ".") {
			return "", InvalidRecipient(channel, "is not a valid email address")
		}
		return parsed.Address, nil

	case reminder.ChannelSMS, reminder.ChannelWhatsApp:
		addr = strings.TrimPrefix(addr, WhatsAppPrefix)
		num, err := phonenumbers.Parse(addr, region)
		if err != nil || !phonenumbers.IsValidNumber(num) {
			return "", InvalidRecipient(channel, "is not a valid phone number")
		}
		return phonenumbers.Format(num, phonenumbers.E164), nil
	}

	return "", InvalidRecipient(channel, "uses an unsupported channel")
}

// ProviderAddress returns addr in the form the provider expects on channel.
func ProviderAddress(channel reminder.Channel, addr string) string {
	if channel == reminder.ChannelWhatsApp && !strings.HasPrefix(addr, WhatsAppPrefix) {
		return WhatsAppPrefix + addr
	}
	return addr
}

// MaskAddress hides most of an address for logging.
func MaskAddress(addr string) string {
	if at := strings.LastIndex(addr, "@"); at > 0 {
		return addr[:1] + "***" + addr[at:]
	}
	if len(addr) > 4 {
		return "***" + addr[len(addr)-4:]
	}
	return "***"
}
