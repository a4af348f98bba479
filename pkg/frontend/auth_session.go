package frontend

import (
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/tiberiuv/pgdog/pkg/config"
)

// AuthSession runs the authentication exchange with a connecting client.
// The proxy verifies credentials itself; nothing the client sends is ever
// forwarded to the server.
type AuthSession struct {
	frontend   *Frontend
	creds      UserSecretData
	method     config.AuthMethod
	tlsState   *tls.ConnectionState
	iterations int

	md5Salt [4]byte

	channelBinding     []byte
	channelBindingType ChannelBindingType
}

// NewAuthSession creates an AuthSession for one client connection.
// tlsState may be nil for cleartext connections; when present it enables
// SCRAM-SHA-256-PLUS channel binding.
func NewAuthSession(frontend *Frontend, creds UserSecretData, method config.AuthMethod, tlsState *tls.ConnectionState, iterations int) (*AuthSession, error) {
	a := &AuthSession{
		frontend:   frontend,
		creds:      creds,
		method:     method,
		tlsState:   tlsState,
		iterations: iterations,
	}

	if method == config.AuthMethodMD5 {
		if _, err := rand.Read(a.md5Salt[:]); err != nil {
			return nil, fmt.Errorf("failed to generate MD5 salt: %w", err)
		}
	}

	if tlsState != nil && method == config.AuthMethodSCRAMSHA256 {
		data, cbType, err := getChannelBindingData(tlsState)
		if err != nil {
			return nil, fmt.Errorf("failed to get channel binding data: %w", err)
		}
		a.channelBinding = data
		a.channelBindingType = cbType
	}

	return a, nil
}

// Run performs the full exchange: it sends the authentication request,
// verifies the client's response, and finishes with AuthenticationOk. On
// failure the client receives a FATAL 28P01 ErrorResponse and Run returns
// the underlying error.
func (a *AuthSession) Run() error {
	if err := a.exchange(); err != nil {
		a.sendError(err)
		return err
	}

	a.frontend.Send(&pgproto3.AuthenticationOk{})
	return a.frontend.Flush()
}

func (a *AuthSession) exchange() error {
	switch a.method {
	case config.AuthMethodPlaintext:
		return a.runPassword(&pgproto3.AuthenticationCleartextPassword{}, pgproto3.AuthTypeCleartextPassword, a.creds.Password())
	case config.AuthMethodMD5:
		return a.runPassword(&pgproto3.AuthenticationMD5Password{Salt: a.md5Salt}, pgproto3.AuthTypeMD5Password, computeMD5Password(a.creds, a.md5Salt))
	case config.AuthMethodSCRAMSHA256:
		return a.runSASL()
	default:
		return fmt.Errorf("unsupported auth method: %s", a.method)
	}
}

// runPassword handles the single round trip shared by cleartext and MD5:
// request, PasswordMessage, compare against the expected wire form.
func (a *AuthSession) runPassword(request pgproto3.BackendMessage, authType uint32, expected string) error {
	a.frontend.Send(request)
	if err := a.frontend.SetAuthType(authType); err != nil {
		return err
	}
	if err := a.frontend.Flush(); err != nil {
		return err
	}

	msg, err := a.frontend.Receive()
	if err != nil {
		return err
	}
	password, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return fmt.Errorf("expected PasswordMessage, got %T", msg)
	}

	if password.Password != expected {
		return errors.New("password authentication failed")
	}
	return nil
}

func (a *AuthSession) runSASL() error {
	// PLUS is offered first when the TLS channel supports binding; clients
	// that can bind are expected to pick it.
	mechanisms := []string{saslMechanismSCRAMSHA256}
	if a.channelBinding != nil {
		mechanisms = []string{saslMechanismSCRAMSHA256Plus, saslMechanismSCRAMSHA256}
	}

	a.frontend.Send(&pgproto3.AuthenticationSASL{AuthMechanisms: mechanisms})
	if err := a.frontend.SetAuthType(pgproto3.AuthTypeSASL); err != nil {
		return err
	}
	if err := a.frontend.Flush(); err != nil {
		return err
	}

	msg, err := a.frontend.Receive()
	if err != nil {
		return err
	}
	initial, ok := msg.(*pgproto3.SASLInitialResponse)
	if !ok {
		return fmt.Errorf("expected SASLInitialResponse, got %T", msg)
	}

	plus := false
	switch initial.AuthMechanism {
	case saslMechanismSCRAMSHA256:
	case saslMechanismSCRAMSHA256Plus:
		plus = true
	default:
		return fmt.Errorf("unsupported SASL mechanism: %s", initial.AuthMechanism)
	}

	if plus && a.tlsState == nil {
		return errors.New("channel binding requested but no TLS connection")
	}
	if plus && a.channelBinding == nil {
		return errors.New("channel binding requested but no TLS channel binding data available")
	}

	clientFirst := string(initial.Data)
	cbFlag, _, err := ParseChannelBindingFlag(clientFirst)
	if err != nil {
		return err
	}
	if plus && cbFlag != 'p' {
		return fmt.Errorf("SCRAM-SHA-256-PLUS requires channel binding, got flag: %c", cbFlag)
	}
	if !plus && cbFlag == 'p' {
		return errors.New("client requests channel binding but mechanism is not PLUS")
	}

	var server *SCRAMServer
	if plus {
		server, err = NewSCRAMServerPlus(a.creds.Username(), a.creds.Password(), a.iterations, a.channelBinding)
	} else {
		server, err = NewSCRAMServer(a.creds.Username(), a.creds.Password(), a.iterations)
	}
	if err != nil {
		return err
	}

	serverFirst, err := server.ProcessClientFirstMessage(clientFirst)
	if err != nil {
		return err
	}

	// Clients may repeat the username from the startup message; if they do
	// it has to match, but only once the message itself parsed. PostgreSQL
	// clients normally send n=, instead.
	if username := ParseClientFirstMessageUsername(clientFirst); username != "" && username != a.creds.Username() {
		return fmt.Errorf("SCRAM username mismatch: expected %q, got %q", a.creds.Username(), username)
	}

	a.frontend.Send(&pgproto3.AuthenticationSASLContinue{Data: []byte(serverFirst)})
	if err := a.frontend.SetAuthType(pgproto3.AuthTypeSASLContinue); err != nil {
		return err
	}
	if err := a.frontend.Flush(); err != nil {
		return err
	}

	msg, err = a.frontend.Receive()
	if err != nil {
		return err
	}
	response, ok := msg.(*pgproto3.SASLResponse)
	if !ok {
		return fmt.Errorf("expected SASLResponse, got %T", msg)
	}

	serverFinal, err := server.ProcessClientFinalMessage(string(response.Data))
	if err != nil {
		return fmt.Errorf("SCRAM authentication failed: %w", err)
	}

	// Flushed together with AuthenticationOk by the caller.
	a.frontend.Send(&pgproto3.AuthenticationSASLFinal{Data: []byte(serverFinal)})
	return nil
}

// sendError reports an authentication failure to the client. Send errors are
// ignored; the connection is torn down either way.
func (a *AuthSession) sendError(cause error) {
	a.frontend.Send(&pgproto3.ErrorResponse{
		Severity:            "FATAL",
		SeverityUnlocalized: "FATAL",
		Code:                pgerrcode.InvalidPassword,
		Message:             cause.Error(),
	})
	_ = a.frontend.Flush()
}
