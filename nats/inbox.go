package nats

import (
	"strings"

	"github.com/google/uuid"
)

const inboxNameLength = 16

// newInbox returns a random ephemeral subject used as the reply-to
// address for request/reply.
func newInbox() string {
	name := strings.ReplaceAll(uuid.NewString(), "-", "")
	return name[:inboxNameLength]
}
