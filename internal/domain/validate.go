package domain

import (
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxTitleLen       = 100
	MaxDescriptionLen = 500
	MaxNameLen        = 50
	MaxEmailLen       = 254
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

// NormalizeTitle trims and validates a group or work item title.
func NormalizeTitle(title string) (string, error) {
	t := strings.TrimSpace(title)
	if n := utf8.RuneCountInString(t); n < 1 || n > MaxTitleLen {
		return "", Errorf(ErrValidation, "title must be 1-%d characters", MaxTitleLen)
	}
	return t, nil
}

// NormalizeDescription trims and validates an optional description.
func NormalizeDescription(desc string) (string, error) {
	d := strings.TrimSpace(desc)
	if utf8.RuneCountInString(d) > MaxDescriptionLen {
		return "", Errorf(ErrValidation, "description must be at most %d characters", MaxDescriptionLen)
	}
	return d, nil
}

// NormalizeUsername trims and validates a username.
func NormalizeUsername(username string) (string, error) {
	u := strings.TrimSpace(username)
	if !usernamePattern.MatchString(u) {
		return "", Errorf(ErrValidation, "username must be 3-32 letters, digits, '.', '_' or '-'")
	}
	return u, nil
}

// NormalizeName trims and validates a first or last name.
func NormalizeName(field, name string) (string, error) {
	n := strings.TrimSpace(name)
	if c := utf8.RuneCountInString(n); c < 1 || c > MaxNameLen {
		return "", Errorf(ErrValidation, "%s must be 1-%d characters", field, MaxNameLen)
	}
	return n, nil
}

// NormalizeEmail lowercases and validates an email address.
func NormalizeEmail(email string) (string, error) {
	e := strings.ToLower(strings.TrimSpace(email))
	if len(e) > MaxEmailLen {
		return "", Errorf(ErrValidation, "email is too long")
	}
	addr, err := mail.ParseAddress(e)
	if err != nil || addr.Address != e {
		return "", Errorf(ErrValidation, "email is invalid")
	}
	return e, nil
}

// NormalizePictureURL validates an optional absolute http(s) URL.
func NormalizePictureURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", nil
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", Errorf(ErrValidation, "profile picture url is invalid")
	}
	return s, nil
}
