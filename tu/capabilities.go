package tu

import (
	"github.com/emiago/sipgo/sip"

	"github.com/sipward/sipward/msg"
)

// handleOptions answers a capability probe. The answer advertises what the
// server speaks and declines the call with 486 Busy Here: reachable, not
// taking calls. To gets a generated tag, Via/From/Call-ID/CSeq are echoed.
func (t *TU) handleOptions(rm msg.RequestMessage) (*sip.Response, error) {
	return newBusyHere(rm.Request), nil
}
