package utils

import (
	"os/user"
	"regexp"
	"strings"
)

var (
	idPattern      = regexp.MustCompile(`^[a-z0-9][a-z0-9._@-]*$`)
	idInvalidChars = regexp.MustCompile(`[^a-z0-9._@-]`)
	idRepeatedDash = regexp.MustCompile(`-+`)
)

// GetUsername returns the current username.
func GetUsername() (string, error) {
	user, err := user.Current()
	if err != nil {
		return "", err
	}
	return user.Username, nil
}

// SanitizeID normalizes a principal or folder id: lower case, spaces to
// hyphens, anything outside [a-z0-9._@-] removed.
func SanitizeID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.ToLower(id)
	id = strings.ReplaceAll(id, " ", "-")
	id = idInvalidChars.ReplaceAllString(id, "")
	id = idRepeatedDash.ReplaceAllString(id, "-")
	return strings.Trim(id, "-")
}

// IsValidID reports whether id is already in SanitizeID form.
func IsValidID(id string) bool {
	return id != "" && idPattern.MatchString(id) && !strings.HasSuffix(id, "-")
}

// DefaultPrincipalID derives a principal id from the OS user, or "" if that
// fails.
func DefaultPrincipalID() string {
	name, err := GetUsername()
	if err != nil {
		return ""
	}
	// Windows usernames carry the domain.
	if i := strings.LastIndex(name, `\`); i >= 0 {
		name = name[i+1:]
	}
	return SanitizeID(name)
}
