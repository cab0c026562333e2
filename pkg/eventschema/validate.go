// Copyright 2024-2026 Aiku AI

package eventschema

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// Result is the outcome of Validate. Errors holds one human-readable line
// per problem found.
type Result struct {
	Valid  bool
	Errors []string
}

// MalformedEventError is returned by Build when the constructed event does
// not pass its own schema.
type MalformedEventError struct {
	Kind   int
	Errors []string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event (kind %d): %s", KindName(e.Kind), e.Kind, strings.Join(e.Errors, "; "))
}

// Validate checks evt against the rule for its kind. It never modifies evt
// and does not stop at the first problem.
func Validate(evt *nostr.Event) Result {
	if evt == nil {
		return Result{Errors: []string{"event is nil"}}
	}
	rule, ok := RuleFor(evt.Kind)
	if !ok {
		return Result{Errors: []string{fmt.Sprintf("no schema for kind %d", evt.Kind)}}
	}

	var errs []string
	for _, tr := range rule.RequiredTags {
		tag, found := Find(evt.Tags, tr.Name)
		if !found {
			errs = append(errs, fmt.Sprintf("missing required tag %q", tr.Name))
			continue
		}
		if TagAt(tag, 1) == "" {
			errs = append(errs, fmt.Sprintf("tag %q has empty value", tr.Name))
		}
		if msg := checkMarker(tr, tag); msg != "" {
			errs = append(errs, msg)
		}
	}
	for _, tr := range rule.OptionalTags {
		tag, found := Find(evt.Tags, tr.Name)
		if !found {
			continue
		}
		if msg := checkMarker(tr, tag); msg != "" {
			errs = append(errs, msg)
		}
	}
	if rule.Content != nil {
		if err := rule.Content(evt.Content); err != nil {
			errs = append(errs, err.Error())
		}
	}
	return Result{Valid: len(errs) == 0, Errors: errs}
}

func checkMarker(tr TagRule, tag nostr.Tag) string {
	if tr.Marker == "" || TagAt(tag, 3) == tr.Marker {
		return ""
	}
	return fmt.Sprintf("tag %q must carry marker %q", tr.Name, tr.Marker)
}
