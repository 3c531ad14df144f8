package tu

import (
	"context"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/sipward/sipward/errs"
	"github.com/sipward/sipward/msg"
	"github.com/sipward/sipward/store"
)

// developmentPassword backs digest verification for accounts that have no
// stored credential yet.
const developmentPassword = "123123123"

// handleRegister implements REGISTER with digest authentication: challenge
// when no Authorization is present, verify and upsert the registration
// otherwise. Each nonce answers at most one Authorization header.
func (t *TU) handleRegister(ctx context.Context, rm msg.RequestMessage) (*sip.Response, error) {
	req := rm.Request

	auth := req.GetHeader("Authorization")
	if auth == nil {
		return t.challenge(ctx, req)
	}

	cred, err := digest.ParseCredentials(auth.Value())
	if err != nil {
		t.log.Debug().Err(err).Msg("unparseable Authorization header, challenging again")
		return t.challenge(ctx, req)
	}

	if err := t.verify(ctx, req, cred); err != nil {
		if errs.IsAuth(err) {
			t.log.Debug().Err(err).Str("username", cred.Username).Msg("digest verification failed")
			return t.challenge(ctx, req)
		}
		return nil, err
	}

	rec, err := t.upsertRegistration(ctx, rm, cred.Username)
	if err != nil {
		return nil, err
	}

	t.log.Info().Str("aor", rec.AOR).Str("contact", rec.Contact).Time("expires", rec.ExpiresAt).Msg("registration refreshed")
	res := newResponse(req, sip.StatusOK, "OK")
	if contact := req.Contact(); contact != nil {
		res.AppendHeader(sip.NewHeader("Contact", contact.Value()))
	}
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(time.Until(rec.ExpiresAt)/time.Second))))
	return res, nil
}

// challenge mints a fresh nonce, persists it and answers 401.
func (t *TU) challenge(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	nonce := uuid.NewString()
	if _, err := t.store.AuthNonces().Create(ctx, store.AuthNonce{Realm: t.realm, Nonce: nonce}); err != nil {
		return nil, err
	}

	chal := digest.Challenge{
		Realm:     t.realm,
		Nonce:     nonce,
		Algorithm: "MD5",
	}
	return newUnauthorized(req, chal.String()), nil
}

// verify checks the offered digest against the minted nonce and the account
// password.
func (t *TU) verify(ctx context.Context, req *sip.Request, cred *digest.Credentials) error {
	if cred.Nonce == "" || cred.Username == "" {
		return errs.Newf(errs.KindAuthMissingCredentials, "incomplete Authorization header")
	}

	// The nonce is single use: consuming it here makes a replayed
	// Authorization fail and earn a fresh challenge.
	nonce, err := t.store.AuthNonces().Consume(ctx, cred.Nonce)
	if err != nil {
		if errs.IsNotFound(err) {
			return errs.Newf(errs.KindAuthNonceExpired, "unknown or already used nonce")
		}
		return err
	}

	password := t.passwordFor(ctx, req)

	chal := digest.Challenge{
		Realm:     nonce.Realm,
		Nonce:     nonce.Nonce,
		Algorithm: "MD5",
	}
	expected, err := digest.Digest(&chal, digest.Options{
		Method:   string(sip.REGISTER),
		URI:      cred.URI,
		Username: cred.Username,
		Password: password,
	})
	if err != nil {
		return errs.Wrap(errs.KindAuthBadDigest, err)
	}
	if expected.Response != cred.Response {
		return errs.Newf(errs.KindAuthBadDigest, "digest mismatch")
	}
	return nil
}

// passwordFor consults the registration row for the AOR and falls back on
// the development password when none exists yet.
func (t *TU) passwordFor(ctx context.Context, req *sip.Request) string {
	aor := aorOf(req)
	if aor == "" {
		return developmentPassword
	}
	rec, err := t.store.Registrations().ByAOR(ctx, aor)
	if err != nil || rec.Password == "" {
		return developmentPassword
	}
	return rec.Password
}

func (t *TU) upsertRegistration(ctx context.Context, rm msg.RequestMessage, username string) (store.RegistrationRecord, error) {
	req := rm.Request

	contact := ""
	if h := req.Contact(); h != nil {
		contact = h.Address.String()
	}

	return t.store.Registrations().Upsert(ctx, store.RegistrationRecord{
		AOR:       aorOf(req),
		Contact:   contact,
		ExpiresAt: time.Now().Add(t.registrationExpiry(req)),
		Transport: store.TransportType(rm.Transport),
		Username:  username,
	})
}

// registrationExpiry reads the Expires header, then the contact expires
// parameter, then the configured default.
func (t *TU) registrationExpiry(req *sip.Request) time.Duration {
	if h := req.GetHeader("Expires"); h != nil {
		if s, err := strconv.Atoi(h.Value()); err == nil && s > 0 {
			return time.Duration(s) * time.Second
		}
	}
	if contact := req.Contact(); contact != nil {
		if v, ok := contact.Params.Get("expires"); ok {
			if s, err := strconv.Atoi(v); err == nil && s > 0 {
				return time.Duration(s) * time.Second
			}
		}
	}
	return t.defaultExpires
}

// aorOf is the address-of-record the registration binds: the To header URI.
func aorOf(req *sip.Request) string {
	to := req.To()
	if to == nil {
		return ""
	}
	return to.Address.String()
}
