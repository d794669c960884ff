package parse

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	spaceRe = regexp.MustCompile(`\s+`)
	// Chat handles often arrive as "@name"; the prefix is display noise.
	handleRe = regexp.MustCompile(`^@+`)
)

const (
	MaxUsernameRunes = 64
	MaxLabelRunes    = 120
)

// ErrEmpty is returned when a value is blank after normalization.
var ErrEmpty = errors.New("value is empty")

// Username normalizes an occupant display name.
func Username(raw string) (string, error) {
	s := collapse(raw)
	s = strings.TrimSpace(handleRe.ReplaceAllString(s, ""))
	if s == "" {
		return "", fmt.Errorf("username: %w", ErrEmpty)
	}
	return truncate(s, MaxUsernameRunes), nil
}

// Label normalizes a task label. Labels are compared after normalization, so
// "reading " and "reading" are the same activity.
func Label(raw string) (string, error) {
	s := collapse(raw)
	if s == "" {
		return "", fmt.Errorf("task label: %w", ErrEmpty)
	}
	return truncate(s, MaxLabelRunes), nil
}

// OwnerIdentity returns the stable identity for an occupant. The external
// author id wins; without one the normalized username is used.
func OwnerIdentity(authorID, username string) string {
	if id := strings.TrimSpace(authorID); id != "" {
		return id
	}
	return "name:" + strings.ToLower(username)
}

func collapse(raw string) string {
	// 全角空格 is treated as regular whitespace.
	s := strings.ReplaceAll(raw, "　", " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func truncate(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:maxRunes]))
}
