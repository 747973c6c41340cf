package application

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/ericfisherdev/credguard/internal/domain/model"
)

const (
	maxProviderMessageLen  = 200
	defaultProviderMessage = "provider rejected the credentials"
)

var messagePolicy = bluemonday.StrictPolicy()

// safeProviderMessage turns free provider text into something that can be
// stored as last_error and returned to the caller: markup is stripped,
// whitespace collapsed, secrets masked and the result truncated.
func safeProviderMessage(msg string, creds model.Credentials) string {
	msg = messagePolicy.Sanitize(msg)
	msg = strings.Join(strings.Fields(msg), " ")
	msg = Redact(msg, creds.ClientSecret)

	if utf8.RuneCountInString(msg) > maxProviderMessageLen {
		runes := []rune(msg)
		msg = string(runes[:maxProviderMessageLen-3]) + "..."
	}
	if msg == "" {
		return defaultProviderMessage
	}
	return msg
}
