package content

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	ErrEmptyText   = errors.New("message text is empty")
	ErrTextTooLong = errors.New("message text is too long")
	ErrInvalidID   = errors.New("identifier contains invalid characters")
)

var (
	policy   = bluemonday.UGCPolicy()
	markdown = goldmark.New()
	idRegex  = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize removes unsafe HTML from the input string.
// System placeholders use it directly; user text goes through Render.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// NormalizeText trims the text a user typed and checks it against maxLen,
// counted in runes. A maxLen <= 0 means unbounded.
func NormalizeText(text string, maxLen int) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	if maxLen > 0 {
		if n := utf8.RuneCountInString(text); n > maxLen {
			return "", fmt.Errorf("%w: %d characters, limit is %d", ErrTextTooLong, n, maxLen)
		}
	}
	return text, nil
}

// Render converts markdown message text into sanitized HTML.
func Render(text string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("failed to render message: %w", err)
	}
	return policy.Sanitize(buf.String()), nil
}

// ValidateID checks that a user or room id given on the command line
// only contains alphanumeric characters, dots, dashes and underscores.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("identifier cannot be empty")
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
