package tu

import (
	"strings"

	"github.com/emiago/sipgo/sip"
)

const serverName = "sipward"

var allowedMethods = []sip.RequestMethod{
	sip.INVITE, sip.ACK, sip.CANCEL, sip.BYE, sip.REGISTER, sip.OPTIONS,
}

func allowValue() string {
	names := make([]string, len(allowedMethods))
	for i, m := range allowedMethods {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}

// newResponse builds the preset every emitted response shares: Via carried
// forward unchanged with the top hop preserved, From unchanged, To augmented
// with a generated tag when it has none, Call-ID and CSeq echoed, zero
// Content-Length and the Server header.
func newResponse(req *sip.Request, statusCode int, reason string) *sip.Response {
	res := sip.NewResponseFromRequest(req, statusCode, reason, nil)

	if to := res.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params = to.Params.Add("tag", sip.GenerateTagN(16))
		}
	}
	if res.GetHeader("Content-Length") == nil {
		res.AppendHeader(sip.NewHeader("Content-Length", "0"))
	}
	res.AppendHeader(sip.NewHeader("Server", serverName))
	return res
}

func newNotFound(req *sip.Request) *sip.Response {
	return newResponse(req, sip.StatusNotFound, "Not Found")
}

func newMethodNotAllowed(req *sip.Request) *sip.Response {
	res := newResponse(req, sip.StatusMethodNotAllowed, "Method Not Allowed")
	res.AppendHeader(sip.NewHeader("Allow", allowValue()))
	return res
}

func newServerError(req *sip.Request, reason string) *sip.Response {
	if reason == "" {
		reason = "Internal Server Error"
	}
	return newResponse(req, sip.StatusInternalServerError, reason)
}

// newBusyHere is the OPTIONS answer: reachable, but declining to take calls.
func newBusyHere(req *sip.Request) *sip.Response {
	res := newResponse(req, sip.StatusBusyHere, "Busy Here")
	res.AppendHeader(sip.NewHeader("Allow", allowValue()))
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Accept-Encoding", "gzip"))
	res.AppendHeader(sip.NewHeader("Accept-Language", "en"))
	return res
}

func newUnauthorized(req *sip.Request, challenge string) *sip.Response {
	res := newResponse(req, sip.StatusUnauthorized, "Unauthorized")
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", challenge))
	return res
}
