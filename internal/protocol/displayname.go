package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// MaxDisplayNameLen bounds sanitized display names.
const MaxDisplayNameLen = 20

// ErrInvalidDisplayName rejects a connection before any registry entry
// exists.
var ErrInvalidDisplayName = errors.New("protocol: invalid display name")

var displayNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	err := v.RegisterValidation("displayname", func(fl validator.FieldLevel) bool {
		return displayNameRe.MatchString(fl.Field().String())
	})
	if err != nil {
		panic(err)
	}
	return v
}

type handshake struct {
	DisplayName string `validate:"required,max=20,displayname"`
}

// SanitizeDisplayName strips disallowed runes from a requested display name
// and validates the result.
//
// Allowed runes are [A-Za-z0-9_-]. The sanitized name must be non-empty and
// at most MaxDisplayNameLen runes; anything else rejects the connection.
// Display names are not unique: they are the only identity a partner ever
// sees.
func SanitizeDisplayName(raw string) (string, error) {
	if utf8.RuneCountInString(raw) > 10*MaxDisplayNameLen {
		return "", fmt.Errorf("%w: too long", ErrInvalidDisplayName)
	}

	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return -1
		}
	}, strings.TrimSpace(raw))

	if err := validate.Struct(handshake{DisplayName: sanitized}); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDisplayName, raw)
	}
	return sanitized, nil
}

// NormalizeText applies the relay's text bounds: truncate to MaxTextRunes
// runes, then trim surrounding whitespace. An empty result means the message
// is dropped.
func NormalizeText(text string) string {
	if utf8.RuneCountInString(text) > MaxTextRunes {
		runes := []rune(text)
		text = string(runes[:MaxTextRunes])
	}
	return strings.TrimSpace(text)
}
