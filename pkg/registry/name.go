package registry

import (
	"regexp"

	"github.com/lprior-repo/isolate/pkg/types"
)

// nameRE enforces spec §3's Session.name invariant: starts with a
// letter, at most 64 characters, drawn from [A-Za-z0-9_-].
var nameRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)

func validateName(name string) error {
	if !nameRE.MatchString(name) {
		return &types.Error{
			Kind:    types.KindValidationError,
			Message: "invalid session name: " + name,
			Hints: []types.ValidationHint{{
				Field:    "name",
				Expected: "starts with a letter, <= 64 chars, [A-Za-z0-9_-]",
				Received: name,
				Pattern:  nameRE.String(),
				Example:  "feature-auth",
			}},
		}
	}
	return nil
}
