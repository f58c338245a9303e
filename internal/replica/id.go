package replica

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Replica ids are hex strings: the 12 and 24 digit legacy forms and the
// 36 digit form issued by newer namespaces are all accepted.
var idPattern = regexp.MustCompile(`^[0-9A-Fa-f]{12,64}$`)

// ValidateID checks that id is a well-formed replica id. Ids double as file
// names, so anything outside the hex alphabet is rejected.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("malformed replica id %q", id)
	}
	return nil
}

// NewID returns a fresh random replica id.
func NewID() string {
	u := uuid.New()
	return strings.ToUpper(strings.ReplaceAll(u.String(), "-", ""))
}
