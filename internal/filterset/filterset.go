// Package filterset implements the sender's one contractual obligation
// regarding filter rules: it never matches them (that is the receiver
// and generator's job, out of scope here), it only rejects a non-empty
// rule set outright, since this revision cannot act on it.
package filterset

import (
	"fmt"

	"github.com/sendside/sendside/internal/errs"
)

// Reject returns a PROTOCOL error if raw is non-empty, nil otherwise.
func Reject(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	return errs.New(errs.Protocol, fmt.Errorf(
		"filterset: received %d bytes of filter rules, not supported in this revision", len(raw)))
}
