package s5b

import (
	"strings"

	"github.com/google/uuid"
)

const sidPrefix = "s5b_"

// newSID returns a random candidate session id of the form s5b_ plus 16 hex digits.
func newSID() string {
	u := uuid.New()
	return sidPrefix + strings.ReplaceAll(u.String(), "-", "")[:16]
}

// newStanzaID returns a fresh IQ id.
func newStanzaID() string {
	return "s5b-" + uuid.NewString()
}
