package ppp

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Messages carried in PAP Ack/Nak and CHAP Success/Failure.
const (
	authSuccessMsg = "Welcome!"
	authFailureMsg = "Failed..."
)

// AuthFlags modify authentication behaviour.
type AuthFlags int

const (
	// NoCallout lets the peer refuse to authenticate on calls we placed.
	NoCallout AuthFlags = 1 << iota
	// NoRechallenge disables periodic CHAP re-challenges.
	NoRechallenge
)

// AuthCredentials is one side of a link's authentication setup.
type AuthCredentials struct {
	Proto  uint16 // 0, ProtocolPAP or ProtocolCHAP
	Name   string
	Secret string
	Flags  AuthFlags
}

func (c AuthCredentials) validate() error {
	switch c.Proto {
	case 0, ProtocolPAP, ProtocolCHAP:
	default:
		return fmt.Errorf("unsupported auth protocol 0x%04x", c.Proto)
	}
	if len(c.Name) > 255 || len(c.Secret) > 255 {
		return fmt.Errorf("name and secret are limited to 255 bytes")
	}
	return nil
}

// Verifier checks peer credentials on behalf of the authenticator, for
// example against a RADIUS server. A nil error accepts the peer and an error
// wrapping ErrAuthFailure rejects it. Any other error (timeout, unreachable
// server) leaves the request unanswered so the peer retries.
type Verifier interface {
	VerifyPAP(ctx context.Context, username, password string) error
	VerifyCHAP(ctx context.Context, username string, id uint8, challenge, response []byte) error
}

// CHAPResponse computes the CHAP-MD5 value MD5(id || secret || challenge).
func CHAPResponse(id uint8, secret, challenge []byte) []byte {
	h := md5.New()
	h.Write([]byte{id})
	h.Write(secret)
	h.Write(challenge)
	return h.Sum(nil)
}

// SetAuth replaces both credential sets. It fails with ErrAuthBusy unless
// PAP and CHAP are both Closed.
func (l *Link) SetAuth(my, his AuthCredentials) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pap.st.state != StateClosed || l.chap.st.state != StateClosed {
		return fmt.Errorf("set auth on %s: %w", l.name, ErrAuthBusy)
	}
	if err := my.validate(); err != nil {
		return fmt.Errorf("my auth: %w", err)
	}
	if err := his.validate(); err != nil {
		return fmt.Errorf("his auth: %w", err)
	}

	l.myAuth = my
	l.hisAuth = his
	l.authFailures = 0
	if his.Proto != 0 {
		l.lcp.st.setOpt(LCPOptAuthProto)
	} else {
		l.lcp.st.clearOpt(LCPOptAuthProto)
	}
	return nil
}

func (l *Link) authLocked() bool {
	return l.cfg.MaxAuthFailures != 0 && l.authFailures >= l.cfg.MaxAuthFailures
}

// authenticatorPending reports whether we asked the peer to authenticate and
// it has not done so yet.
func (l *Link) authenticatorPending() bool {
	if !l.lcp.st.optSet(LCPOptAuthProto) {
		return false
	}
	switch l.hisAuth.Proto {
	case ProtocolPAP:
		return l.protos&protoBit(timerPAP) == 0
	case ProtocolCHAP:
		return l.protos&protoBit(timerCHAP) == 0
	}
	return false
}

func (l *Link) authFailed(proto string) {
	l.authFailures++
	l.observer.AuthResult(l.name, proto, false)
	l.logger.Warn("authentication failed",
		zap.String("proto", proto),
		zap.Int("failures", l.authFailures),
		zap.Int("max", l.cfg.MaxAuthFailures),
	)
}

func (l *Link) authSucceeded(proto string) {
	l.authFailures = 0
	l.observer.AuthResult(l.name, proto, true)
}

// checkPAP checks a PAP Authenticate-Request and reports the outcome to done:
// nil accepts the peer, ErrAuthFailure rejects it and any other error means
// no verdict could be reached.
func (l *Link) checkPAP(name, secret string, done func(error)) {
	if l.verifier != nil {
		v := l.verifier
		l.startVerify("pap", func(ctx context.Context) error {
			return v.VerifyPAP(ctx, name, secret)
		}, done)
		return
	}
	nameOK := subtle.ConstantTimeCompare([]byte(name), []byte(l.hisAuth.Name)) == 1
	secretOK := subtle.ConstantTimeCompare([]byte(secret), []byte(l.hisAuth.Secret)) == 1
	if !nameOK || !secretOK {
		done(ErrAuthFailure)
		return
	}
	done(nil)
}

// checkCHAP checks a CHAP Response against the challenge we sent.
func (l *Link) checkCHAP(name string, id uint8, challenge, response []byte, done func(error)) {
	if l.verifier != nil {
		v := l.verifier
		l.startVerify("chap", func(ctx context.Context) error {
			return v.VerifyCHAP(ctx, name, id, challenge, response)
		}, done)
		return
	}
	if l.hisAuth.Name != "" && name != l.hisAuth.Name {
		l.logger.Info("CHAP name mismatch", zap.String("peer", name))
		done(ErrAuthFailure)
		return
	}
	expected := CHAPResponse(id, []byte(l.hisAuth.Secret), challenge)
	if subtle.ConstantTimeCompare(expected, response) != 1 {
		done(ErrAuthFailure)
		return
	}
	done(nil)
}

// startVerify runs a Verifier call without the Link lock. The result is
// delivered under the lock unless the exchange was abandoned in between.
// Only one call is outstanding per link; requests arriving meanwhile are
// dropped and the peer retransmits.
func (l *Link) startVerify(proto string, run func(context.Context) error, done func(error)) {
	if l.verifying {
		l.logger.Debug("verification in progress, dropping request", zap.String("proto", proto))
		return
	}
	l.verifying = true
	gen := l.verifyGen
	timeout := l.cfg.VerifyTimeout

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := run(ctx)
		cancel()

		l.mu.Lock()
		defer l.mu.Unlock()
		if l.detached || gen != l.verifyGen {
			l.logger.Debug("discarding stale verification result", zap.String("proto", proto))
			return
		}
		l.verifying = false
		done(err)
	}()
}

// abandonVerify makes any outstanding verification result stale.
func (l *Link) abandonVerify() {
	l.verifyGen++
	l.verifying = false
}

// verdict sorts a verification result into accept, reject or retry.
type verdict int

const (
	verdictAccept verdict = iota
	verdictReject
	verdictRetry
)

func (l *Link) verdictOf(proto, peer string, err error) verdict {
	switch {
	case err == nil:
		return verdictAccept
	case errors.Is(err, ErrAuthFailure):
		l.logger.Info("verification rejected", zap.String("proto", proto), zap.String("peer", peer), zap.Error(err))
		return verdictReject
	default:
		l.logger.Warn("verification unavailable, awaiting retransmission",
			zap.String("proto", proto),
			zap.String("peer", peer),
			zap.Error(err),
		)
		return verdictRetry
	}
}
