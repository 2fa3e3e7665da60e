package tools

import (
	"net/mail"
	"strings"
)

// NormalizeEmail is used for deduplication, two addresses differing only in
// case or surrounding whitespace are considered the same recipient.
func NormalizeEmail(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func ValidEmail(address string) bool {
	if address == "" {
		return false
	}
	_, err := mail.ParseAddress(address)
	return err == nil
}
