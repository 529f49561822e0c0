package smtp

import (
	"context"
	"encoding/base64"
	"errors"
	"regexp"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/infodancer/mailcore/internal/auth"
)

var errInvalidPlainCredentials = errors.New("smtp: invalid PLAIN credentials")

// Authenticator is the minimal surface AUTHCommand needs from a credential
// store. internal/auth.Store implements it directly.
type Authenticator interface {
	VerifyPlainBase64(ctx context.Context, blob string) (user string, result auth.Result, err error)
	VerifyLoginBase64(ctx context.Context, userB64, passB64 string) (user string, result auth.Result, err error)
}

// OAuthVerifier is the minimal surface the OAUTHBEARER mechanism (RFC 7628)
// needs. internal/oauth.Agent implementations satisfy it directly.
type OAuthVerifier interface {
	ValidateToken(ctx context.Context, token string) (username string, err error)
}

var authPattern = regexp.MustCompile(`(?i)^AUTH\s+(\S+)(?:\s+(\S+))?\s*$`)

var oauthBearerToken = regexp.MustCompile(`auth=Bearer\s+(\S+)`)

const (
	base64Username = "VXNlcm5hbWU6" // "Username:"
	base64Password = "UGFzc3dvcmQ6" // "Password:"
)

// AUTHCommand implements the AUTH command (RFC 4954). PLAIN is driven
// through github.com/emersion/go-sasl's Server, which owns the NUL-split
// framing; LOGIN and OAUTHBEARER have no go-sasl server-side mechanism
// (go-sasl only implements a LOGIN client) and are framed by hand here.
type AUTHCommand struct {
	authAgent  Authenticator
	oauthAgent OAuthVerifier
}

func (c *AUTHCommand) Pattern() *regexp.Regexp {
	return authPattern
}

func (c *AUTHCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	if session.State() < StateGreeted {
		return SMTPResult{Code: 503, Message: "Bad sequence of commands"}, nil
	}
	if session.IsAuthenticated() {
		return SMTPResult{Code: 503, Message: "5.5.1 Already authenticated"}, nil
	}
	if c.authAgent == nil && c.oauthAgent == nil {
		return SMTPResult{Code: 502, Message: "5.5.1 Authentication not supported"}, nil
	}

	mechanism := strings.ToUpper(matches[1])
	initial := matches[2]

	switch mechanism {
	case "PLAIN":
		if c.authAgent == nil {
			return SMTPResult{Code: 504, Message: "5.5.4 Unrecognized authentication mechanism"}, nil
		}
		if initial != "" {
			return c.finishPlain(ctx, session, initial)
		}
		return SMTPResult{Code: 334, Message: "", AuthContinuation: AuthContinuationPlain}, nil
	case "LOGIN":
		if c.authAgent == nil {
			return SMTPResult{Code: 504, Message: "5.5.4 Unrecognized authentication mechanism"}, nil
		}
		return SMTPResult{Code: 334, Message: base64Username, AuthContinuation: AuthContinuationLoginUsername}, nil
	case "OAUTHBEARER":
		if c.oauthAgent == nil {
			return SMTPResult{Code: 504, Message: "5.5.4 Unrecognized authentication mechanism"}, nil
		}
		if initial != "" {
			return c.finishOAuthBearer(ctx, session, initial)
		}
		return SMTPResult{Code: 334, Message: "", AuthContinuation: AuthContinuationOAuthBearer}, nil
	default:
		return SMTPResult{Code: 504, Message: "5.5.4 Unrecognized authentication mechanism"}, nil
	}
}

// ContinuePlain finishes an AUTH PLAIN exchange given the base64 line the
// handler read after a 334 continuation prompt.
func (c *AUTHCommand) ContinuePlain(ctx context.Context, session *SMTPSession, line string) (SMTPResult, error) {
	return c.finishPlain(ctx, session, line)
}

func (c *AUTHCommand) finishPlain(ctx context.Context, session *SMTPSession, blob string) (SMTPResult, error) {
	decoded, decErr := base64.StdEncoding.DecodeString(blob)
	if decErr != nil {
		return SMTPResult{Code: 535, Message: "5.7.8 Authentication credentials invalid"}, nil
	}

	var authedUser string
	server := sasl.NewPlainServer(func(identity, username, password string) error {
		user, result, err := c.authAgent.VerifyPlainBase64(ctx, blob)
		if err != nil || result != auth.ResultOK {
			return errInvalidPlainCredentials
		}
		authedUser = user
		return nil
	})

	if _, _, err := server.Next(decoded); err != nil {
		return SMTPResult{Code: 535, Message: "5.7.8 Authentication credentials invalid"}, nil
	}

	session.SetAuthenticated(authedUser, "PLAIN")
	return SMTPResult{Code: 235, Message: "2.7.0 Authentication successful"}, nil
}

// ContinueLoginUsername consumes the base64 username line and prompts for
// the password.
func (c *AUTHCommand) ContinueLoginUsername(session *SMTPSession, line string) SMTPResult {
	session.setPendingAuthUser(line)
	return SMTPResult{Code: 334, Message: base64Password, AuthContinuation: AuthContinuationLoginPassword}
}

// ContinueLoginPassword finishes an AUTH LOGIN exchange given the base64
// password line.
func (c *AUTHCommand) ContinueLoginPassword(ctx context.Context, session *SMTPSession, line string) (SMTPResult, error) {
	userB64 := session.takePendingAuthUser()
	user, result, err := c.authAgent.VerifyLoginBase64(ctx, userB64, line)
	if err != nil || result != auth.ResultOK {
		return SMTPResult{Code: 535, Message: "5.7.8 Authentication credentials invalid"}, nil
	}
	session.SetAuthenticated(user, "LOGIN")
	return SMTPResult{Code: 235, Message: "2.7.0 Authentication successful"}, nil
}

// ContinueOAuthBearer finishes an AUTH OAUTHBEARER exchange given the
// base64 response the handler read after a bare 334 continuation prompt.
func (c *AUTHCommand) ContinueOAuthBearer(ctx context.Context, session *SMTPSession, line string) (SMTPResult, error) {
	return c.finishOAuthBearer(ctx, session, line)
}

func (c *AUTHCommand) finishOAuthBearer(ctx context.Context, session *SMTPSession, blob string) (SMTPResult, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return SMTPResult{Code: 535, Message: "5.7.8 Authentication credentials invalid"}, nil
	}
	m := oauthBearerToken.FindSubmatch(raw)
	if m == nil {
		return SMTPResult{Code: 535, Message: "5.7.8 Authentication credentials invalid"}, nil
	}
	user, err := c.oauthAgent.ValidateToken(ctx, string(m[1]))
	if err != nil {
		return SMTPResult{Code: 535, Message: "5.7.8 Authentication credentials invalid"}, nil
	}
	session.SetAuthenticated(user, "OAUTHBEARER")
	return SMTPResult{Code: 235, Message: "2.7.0 Authentication successful"}, nil
}

// DecodeInitialResponse is a convenience used by the handler to detect a
// client aborting an AUTH exchange with a bare "*" response per RFC 4954.
func DecodeInitialResponse(line string) (string, bool) {
	if line == "*" {
		return "", false
	}
	if _, err := base64.StdEncoding.DecodeString(line); err != nil {
		return "", false
	}
	return line, true
}
