// Package validation guards the names that end up in group channels and event
// tags. Names cross process boundaries through broadcast backends, so the
// character set is kept deliberately narrow.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var entityRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
var suffixRe = regexp.MustCompile(`^[a-zA-Z0-9._\-]{1,200}$`)

// ValidateEntity checks an entity type name: lowercase snake case, leading
// letter, max 64 chars. Entity names key event queues and tag every mutation
// event, so they are fixed at composition time and never client supplied.
func ValidateEntity(name string) error {
	if name == "" {
		return fmt.Errorf("entity name must not be empty")
	}
	if !entityRe.MatchString(name) {
		return fmt.Errorf("invalid entity name %q: lowercase [a-z0-9_] with a leading letter, max 64 chars", name)
	}
	return nil
}

// ValidateGroupSuffix checks a grouping-function result before it becomes part
// of a channel name. Suffixes can derive from client kwargs, so traversal
// sequences and whitespace are rejected outright.
func ValidateGroupSuffix(suffix string) error {
	if suffix == "" {
		return fmt.Errorf("group suffix must not be empty")
	}
	if !suffixRe.MatchString(suffix) {
		return fmt.Errorf("invalid group suffix %q: only [a-zA-Z0-9._-] allowed, max 200 chars", suffix)
	}
	if strings.Contains(suffix, "..") {
		return fmt.Errorf("invalid group suffix %q: '..' not allowed", suffix)
	}
	return nil
}
