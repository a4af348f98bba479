package frontend

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"

	"github.com/tiberiuv/pgdog/pkg/config"
)

// testTimeout is the maximum time for a single test case.
const testTimeout = 5 * time.Second

// testConn wraps the client side of a connection pair. It uses
// pgproto3.Frontend to send client messages and receive proxy responses.
type testConn struct {
	conn     net.Conn
	frontend *pgproto3.Frontend
}

func newTestConn(conn net.Conn) *testConn {
	return &testConn{
		conn:     conn,
		frontend: pgproto3.NewFrontend(conn, conn),
	}
}

func (c *testConn) close() {
	c.conn.Close()
}

func (c *testConn) sendSASLInitialResponse(mechanism string, data []byte) error {
	c.frontend.Send(&pgproto3.SASLInitialResponse{
		AuthMechanism: mechanism,
		Data:          data,
	})
	return c.frontend.Flush()
}

func (c *testConn) sendSASLResponse(data []byte) error {
	c.frontend.Send(&pgproto3.SASLResponse{Data: data})
	return c.frontend.Flush()
}

func (c *testConn) sendPassword(password string) error {
	c.frontend.Send(&pgproto3.PasswordMessage{Password: password})
	return c.frontend.Flush()
}

func (c *testConn) expectAuthSASL(t *testing.T) []string {
	t.Helper()
	msg, err := c.frontend.Receive()
	require.NoError(t, err)
	sasl, ok := msg.(*pgproto3.AuthenticationSASL)
	require.True(t, ok, "expected AuthenticationSASL, got %T", msg)
	return sasl.AuthMechanisms
}

func (c *testConn) expectAuthSASLContinue(t *testing.T) []byte {
	t.Helper()
	msg, err := c.frontend.Receive()
	require.NoError(t, err)
	cont, ok := msg.(*pgproto3.AuthenticationSASLContinue)
	require.True(t, ok, "expected AuthenticationSASLContinue, got %T: %v", msg, msg)
	return cont.Data
}

func (c *testConn) expectAuthSASLFinal(t *testing.T) []byte {
	t.Helper()
	msg, err := c.frontend.Receive()
	require.NoError(t, err)
	final, ok := msg.(*pgproto3.AuthenticationSASLFinal)
	require.True(t, ok, "expected AuthenticationSASLFinal, got %T: %v", msg, msg)
	return final.Data
}

func (c *testConn) expectAuthOk(t *testing.T) {
	t.Helper()
	msg, err := c.frontend.Receive()
	require.NoError(t, err)
	_, ok := msg.(*pgproto3.AuthenticationOk)
	require.True(t, ok, "expected AuthenticationOk, got %T: %v", msg, msg)
}

func (c *testConn) expectError(t *testing.T) *pgproto3.ErrorResponse {
	t.Helper()
	msg, err := c.frontend.Receive()
	require.NoError(t, err)
	errResp, ok := msg.(*pgproto3.ErrorResponse)
	require.True(t, ok, "expected ErrorResponse, got %T: %v", msg, msg)
	return errResp
}

func (c *testConn) expectAuthMD5(t *testing.T) [4]byte {
	t.Helper()
	msg, err := c.frontend.Receive()
	require.NoError(t, err)
	md5, ok := msg.(*pgproto3.AuthenticationMD5Password)
	require.True(t, ok, "expected AuthenticationMD5Password, got %T: %v", msg, msg)
	return md5.Salt
}

func (c *testConn) expectAuthCleartext(t *testing.T) {
	t.Helper()
	msg, err := c.frontend.Receive()
	require.NoError(t, err)
	_, ok := msg.(*pgproto3.AuthenticationCleartextPassword)
	require.True(t, ok, "expected AuthenticationCleartextPassword, got %T: %v", msg, msg)
}

// setupAuthSession creates a connected pipe pair and runs an AuthSession on
// the proxy side. Returns the client side and a channel with the Run result.
func setupAuthSession(
	t *testing.T,
	username, password string,
	method config.AuthMethod,
	iterations int,
) (*testConn, <-chan error) {
	t.Helper()

	clientConn, serverConn := net.Pipe()

	deadline := time.Now().Add(testTimeout)
	clientConn.SetDeadline(deadline)
	serverConn.SetDeadline(deadline)

	tc := newTestConn(clientConn)

	frontend := NewFrontend(context.Background(), serverConn)
	creds := NewUserSecretData(username, password)

	authSession, err := NewAuthSession(frontend, creds, method, nil, iterations)
	require.NoError(t, err)

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- authSession.Run()
		serverConn.Close()
	}()

	t.Cleanup(func() {
		tc.close()
	})

	return tc, resultCh
}

// pgScramClient is a test SCRAM client that follows the PostgreSQL
// convention of an empty username (n=,) in the SCRAM messages.
type pgScramClient struct {
	username           string
	password           string
	clientNonce        string
	clientFirstMsgBare string
	serverFirstMsg     string
	salt               []byte
	iterations         int
	saltedPassword     []byte
	authMessage        string
	expectedServerSig  []byte
}

func newPgScramClient(username, password string) *pgScramClient {
	nonceBytes := make([]byte, 18)
	_, _ = rand.Read(nonceBytes)

	return &pgScramClient{
		username:    username,
		password:    password,
		clientNonce: base64.StdEncoding.EncodeToString(nonceBytes),
	}
}

func (c *pgScramClient) clientFirstMessage() string {
	c.clientFirstMsgBare = "n=,r=" + c.clientNonce
	return "n,," + c.clientFirstMsgBare
}

func (c *pgScramClient) clientFinalMessage(serverFirstMsg string) (string, error) {
	c.serverFirstMsg = serverFirstMsg

	attrs := parseAttributes(serverFirstMsg)

	combinedNonce, ok := attrs["r"]
	if !ok {
		return "", fmt.Errorf("missing nonce in server-first-message")
	}
	if !strings.HasPrefix(combinedNonce, c.clientNonce) {
		return "", fmt.Errorf("server nonce doesn't start with client nonce")
	}

	saltB64, ok := attrs["s"]
	if !ok {
		return "", fmt.Errorf("missing salt in server-first-message")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return "", fmt.Errorf("invalid salt encoding: %w", err)
	}
	c.salt = salt

	iStr, ok := attrs["i"]
	if !ok {
		return "", fmt.Errorf("missing iteration count in server-first-message")
	}
	iterations, err := strconv.Atoi(iStr)
	if err != nil {
		return "", fmt.Errorf("invalid iteration count: %w", err)
	}
	c.iterations = iterations

	c.saltedPassword = pbkdf2.Key([]byte(c.password), c.salt, c.iterations, 32, sha256.New)

	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", channelBinding, combinedNonce)

	c.authMessage = c.clientFirstMsgBare + "," + c.serverFirstMsg + "," + clientFinalWithoutProof

	clientKey := hmacSHA256(c.saltedPassword, []byte("Client Key"))
	storedKeyHash := sha256.Sum256(clientKey)
	storedKey := storedKeyHash[:]

	clientSignature := hmacSHA256(storedKey, []byte(c.authMessage))

	clientProof := make([]byte, len(clientKey))
	for i := range clientKey {
		clientProof[i] = clientKey[i] ^ clientSignature[i]
	}
	proofB64 := base64.StdEncoding.EncodeToString(clientProof)

	serverKey := hmacSHA256(c.saltedPassword, []byte("Server Key"))
	c.expectedServerSig = hmacSHA256(serverKey, []byte(c.authMessage))

	return clientFinalWithoutProof + ",p=" + proofB64, nil
}

func (c *pgScramClient) verifyServerFinal(serverFinalMsg string) (bool, error) {
	if !strings.HasPrefix(serverFinalMsg, "v=") {
		return false, fmt.Errorf("invalid server-final-message format")
	}
	serverSig, err := base64.StdEncoding.DecodeString(serverFinalMsg[2:])
	if err != nil {
		return false, fmt.Errorf("invalid server signature encoding: %w", err)
	}

	if !hmac.Equal(serverSig, c.expectedServerSig) {
		return false, fmt.Errorf("server signature mismatch")
	}
	return true, nil
}

func TestAuthSession_SCRAM_Success(t *testing.T) {
	tests := []struct {
		name       string
		username   string
		password   string
		iterations int
	}{
		{
			name:       "simple credentials",
			username:   "testuser",
			password:   "testpass",
			iterations: 4096,
		},
		{
			name:       "complex password",
			username:   "admin",
			password:   "p@ssw0rd!#$%^&*()",
			iterations: 4096,
		},
		{
			name:       "empty password",
			username:   "emptypass",
			password:   "",
			iterations: 4096,
		},
		{
			name:       "low iterations",
			username:   "lowiter",
			password:   "secret",
			iterations: 100,
		},
		{
			name:       "unicode credentials",
			username:   "用户",
			password:   "пароль",
			iterations: 4096,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc, resultCh := setupAuthSession(t, tt.username, tt.password, config.AuthMethodSCRAMSHA256, tt.iterations)

			mechanisms := tc.expectAuthSASL(t)
			assert.Contains(t, mechanisms, "SCRAM-SHA-256")

			client := newPgScramClient(tt.username, tt.password)

			clientFirst := client.clientFirstMessage()
			err := tc.sendSASLInitialResponse("SCRAM-SHA-256", []byte(clientFirst))
			require.NoError(t, err)

			serverFirst := tc.expectAuthSASLContinue(t)

			clientFinal, err := client.clientFinalMessage(string(serverFirst))
			require.NoError(t, err)
			err = tc.sendSASLResponse([]byte(clientFinal))
			require.NoError(t, err)

			serverFinal := tc.expectAuthSASLFinal(t)

			valid, err := client.verifyServerFinal(string(serverFinal))
			require.NoError(t, err)
			assert.True(t, valid, "server signature should be valid")

			tc.expectAuthOk(t)

			select {
			case err := <-resultCh:
				require.NoError(t, err, "auth should succeed")
			case <-time.After(testTimeout):
				t.Fatal("timeout waiting for auth result")
			}
		})
	}
}

func TestAuthSession_SCRAM_WrongPassword(t *testing.T) {
	tc, resultCh := setupAuthSession(t, "testuser", "correctpassword", config.AuthMethodSCRAMSHA256, 4096)

	tc.expectAuthSASL(t)

	client := newPgScramClient("testuser", "wrongpassword")

	clientFirst := client.clientFirstMessage()
	err := tc.sendSASLInitialResponse("SCRAM-SHA-256", []byte(clientFirst))
	require.NoError(t, err)

	serverFirst := tc.expectAuthSASLContinue(t)

	clientFinal, err := client.clientFinalMessage(string(serverFirst))
	require.NoError(t, err)
	err = tc.sendSASLResponse([]byte(clientFinal))
	require.NoError(t, err)

	errResp := tc.expectError(t)
	assert.Equal(t, "FATAL", errResp.Severity)
	assert.Contains(t, errResp.Message, "authentication failed")

	select {
	case err := <-resultCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "authentication failed")
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for auth result")
	}
}

func TestAuthSession_SCRAM_InvalidMechanism(t *testing.T) {
	tc, resultCh := setupAuthSession(t, "testuser", "testpass", config.AuthMethodSCRAMSHA256, 4096)

	tc.expectAuthSASL(t)

	err := tc.sendSASLInitialResponse("SCRAM-SHA-512", []byte("n,,n=,r=invalid"))
	require.NoError(t, err)

	errResp := tc.expectError(t)
	assert.Equal(t, "FATAL", errResp.Severity)
	assert.Contains(t, errResp.Message, "unsupported SASL mechanism")

	select {
	case err := <-resultCh:
		require.Error(t, err)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for auth result")
	}
}

func TestAuthSession_SCRAM_InvalidClientFirstMessage(t *testing.T) {
	tests := []struct {
		name          string
		clientFirst   string
		expectedError string
	}{
		{
			name:          "empty message",
			clientFirst:   "",
			expectedError: "empty client-first-message",
		},
		{
			name:          "missing nonce",
			clientFirst:   "n,,n=user",
			expectedError: "missing client nonce",
		},
		{
			name:          "invalid gs2 header - single part",
			clientFirst:   "invalid",
			expectedError: "invalid channel binding flag", // 'i' is not a valid flag
		},
		{
			name:          "invalid gs2 header - two parts",
			clientFirst:   "n,",
			expectedError: "invalid client-first-message format",
		},
		{
			name:          "invalid channel binding flag",
			clientFirst:   "x,,n=,r=nonce",
			expectedError: "invalid channel binding flag",
		},
		{
			// The mismatch is only reported for a structurally valid message.
			name:          "username mismatch",
			clientFirst:   "n,,n=otheruser,r=clientnonce",
			expectedError: "SCRAM username mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc, resultCh := setupAuthSession(t, "testuser", "testpass", config.AuthMethodSCRAMSHA256, 4096)

			tc.expectAuthSASL(t)

			err := tc.sendSASLInitialResponse("SCRAM-SHA-256", []byte(tt.clientFirst))
			require.NoError(t, err)

			errResp := tc.expectError(t)
			assert.Equal(t, "FATAL", errResp.Severity)
			assert.Contains(t, errResp.Message, tt.expectedError)

			select {
			case err := <-resultCh:
				require.Error(t, err)
			case <-time.After(testTimeout):
				t.Fatal("timeout waiting for auth result")
			}
		})
	}
}

func TestAuthSession_SCRAM_InvalidClientFinalMessage(t *testing.T) {
	tests := []struct {
		name              string
		modifyClientFinal func(original string) string
		expectedError     string
	}{
		{
			name: "wrong nonce",
			modifyClientFinal: func(original string) string {
				return strings.Replace(original, "r=", "r=wrong", 1)
			},
			expectedError: "nonce mismatch",
		},
		{
			name: "missing proof",
			modifyClientFinal: func(original string) string {
				idx := strings.LastIndex(original, ",p=")
				if idx >= 0 {
					return original[:idx]
				}
				return original
			},
			expectedError: "missing proof",
		},
		{
			name: "invalid proof encoding",
			modifyClientFinal: func(original string) string {
				idx := strings.LastIndex(original, ",p=")
				if idx >= 0 {
					return original[:idx] + ",p=!!!invalid!!!"
				}
				return original
			},
			expectedError: "invalid proof encoding",
		},
		{
			name: "missing nonce attribute",
			modifyClientFinal: func(original string) string {
				return "c=biws"
			},
			expectedError: "missing nonce",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc, resultCh := setupAuthSession(t, "testuser", "testpass", config.AuthMethodSCRAMSHA256, 4096)

			tc.expectAuthSASL(t)

			client := newPgScramClient("testuser", "testpass")

			clientFirst := client.clientFirstMessage()
			err := tc.sendSASLInitialResponse("SCRAM-SHA-256", []byte(clientFirst))
			require.NoError(t, err)

			serverFirst := tc.expectAuthSASLContinue(t)

			clientFinal, err := client.clientFinalMessage(string(serverFirst))
			require.NoError(t, err)
			err = tc.sendSASLResponse([]byte(tt.modifyClientFinal(clientFinal)))
			require.NoError(t, err)

			errResp := tc.expectError(t)
			assert.Equal(t, "FATAL", errResp.Severity)
			assert.Contains(t, errResp.Message, tt.expectedError)

			select {
			case err := <-resultCh:
				require.Error(t, err)
			case <-time.After(testTimeout):
				t.Fatal("timeout waiting for auth result")
			}
		})
	}
}

func TestAuthSession_SCRAM_ChannelBindingFlagValidation(t *testing.T) {
	tests := []struct {
		name          string
		mechanism     string
		cbFlag        string // n, y, or p=type
		expectError   bool
		expectedError string
	}{
		{
			name:        "n flag (no channel binding)",
			mechanism:   "SCRAM-SHA-256",
			cbFlag:      "n",
			expectError: false,
		},
		{
			name:        "y flag (supports but not using)",
			mechanism:   "SCRAM-SHA-256",
			cbFlag:      "y",
			expectError: false,
		},
		{
			name:          "p flag on non-PLUS mechanism",
			mechanism:     "SCRAM-SHA-256",
			cbFlag:        "p=tls-unique",
			expectError:   true,
			expectedError: "channel binding but mechanism is not PLUS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc, resultCh := setupAuthSession(t, "testuser", "testpass", config.AuthMethodSCRAMSHA256, 4096)

			tc.expectAuthSASL(t)

			clientFirst := fmt.Sprintf("%s,,n=,r=testnonce12345", tt.cbFlag)
			err := tc.sendSASLInitialResponse(tt.mechanism, []byte(clientFirst))
			require.NoError(t, err)

			if tt.expectError {
				errResp := tc.expectError(t)
				assert.Equal(t, "FATAL", errResp.Severity)
				assert.Contains(t, errResp.Message, tt.expectedError)

				select {
				case err := <-resultCh:
					require.Error(t, err)
				case <-time.After(testTimeout):
					t.Fatal("timeout waiting for auth result")
				}
			} else {
				serverFirst := tc.expectAuthSASLContinue(t)
				assert.NotEmpty(t, serverFirst)

				tc.close()
				<-resultCh
			}
		})
	}
}

func TestAuthSession_SCRAM_PLUSWithoutTLS(t *testing.T) {
	tc, resultCh := setupAuthSession(t, "testuser", "testpass", config.AuthMethodSCRAMSHA256, 4096)

	mechanisms := tc.expectAuthSASL(t)
	assert.Contains(t, mechanisms, "SCRAM-SHA-256")
	assert.NotContains(t, mechanisms, "SCRAM-SHA-256-PLUS")

	// Try to use PLUS anyway
	clientFirst := "p=tls-unique,,n=,r=testnonce12345"
	err := tc.sendSASLInitialResponse("SCRAM-SHA-256-PLUS", []byte(clientFirst))
	require.NoError(t, err)

	errResp := tc.expectError(t)
	assert.Equal(t, "FATAL", errResp.Severity)
	assert.Contains(t, errResp.Message, "no TLS connection")

	select {
	case err := <-resultCh:
		require.Error(t, err)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for auth result")
	}
}

func TestAuthSession_MD5_Success(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
	}{
		{
			name:     "simple credentials",
			username: "testuser",
			password: "testpass",
		},
		{
			name:     "complex password",
			username: "admin",
			password: "p@ssw0rd!#$%",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc, resultCh := setupAuthSession(t, tt.username, tt.password, config.AuthMethodMD5, 0)

			salt := tc.expectAuthMD5(t)

			creds := NewUserSecretData(tt.username, tt.password)
			hash := computeMD5Password(creds, salt)

			err := tc.sendPassword(hash)
			require.NoError(t, err)

			tc.expectAuthOk(t)

			select {
			case err := <-resultCh:
				require.NoError(t, err)
			case <-time.After(testTimeout):
				t.Fatal("timeout waiting for auth result")
			}
		})
	}
}

func TestAuthSession_MD5_WrongPassword(t *testing.T) {
	tc, resultCh := setupAuthSession(t, "testuser", "correctpassword", config.AuthMethodMD5, 0)

	salt := tc.expectAuthMD5(t)

	wrongCreds := NewUserSecretData("testuser", "wrongpassword")
	wrongHash := computeMD5Password(wrongCreds, salt)

	err := tc.sendPassword(wrongHash)
	require.NoError(t, err)

	errResp := tc.expectError(t)
	assert.Equal(t, "FATAL", errResp.Severity)
	assert.Contains(t, errResp.Message, "password authentication failed")

	select {
	case err := <-resultCh:
		require.Error(t, err)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for auth result")
	}
}

func TestAuthSession_Plaintext_Success(t *testing.T) {
	tc, resultCh := setupAuthSession(t, "testuser", "testpass", config.AuthMethodPlaintext, 0)

	tc.expectAuthCleartext(t)

	err := tc.sendPassword("testpass")
	require.NoError(t, err)

	tc.expectAuthOk(t)

	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for auth result")
	}
}

func TestAuthSession_Plaintext_WrongPassword(t *testing.T) {
	tc, resultCh := setupAuthSession(t, "testuser", "correctpassword", config.AuthMethodPlaintext, 0)

	tc.expectAuthCleartext(t)

	err := tc.sendPassword("wrongpassword")
	require.NoError(t, err)

	errResp := tc.expectError(t)
	assert.Equal(t, "FATAL", errResp.Severity)
	assert.Contains(t, errResp.Message, "password authentication failed")

	select {
	case err := <-resultCh:
		require.Error(t, err)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for auth result")
	}
}

func TestAuthSession_UnexpectedMessage(t *testing.T) {
	tests := []struct {
		name        string
		method      config.AuthMethod
		sendInstead func(tc *testConn) error
	}{
		{
			name:   "Query instead of SASLInitialResponse",
			method: config.AuthMethodSCRAMSHA256,
			sendInstead: func(tc *testConn) error {
				tc.frontend.Send(&pgproto3.Query{String: "SELECT 1"})
				return tc.frontend.Flush()
			},
		},
		{
			name:   "Query instead of PasswordMessage for MD5",
			method: config.AuthMethodMD5,
			sendInstead: func(tc *testConn) error {
				tc.frontend.Send(&pgproto3.Query{String: "SELECT 1"})
				return tc.frontend.Flush()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc, resultCh := setupAuthSession(t, "testuser", "testpass", tt.method, 4096)

			switch tt.method {
			case config.AuthMethodSCRAMSHA256:
				tc.expectAuthSASL(t)
			case config.AuthMethodMD5:
				tc.expectAuthMD5(t)
			}

			err := tt.sendInstead(tc)
			require.NoError(t, err)

			errResp := tc.expectError(t)
			assert.Equal(t, "FATAL", errResp.Severity)
			assert.Contains(t, errResp.Message, "expected")

			select {
			case err := <-resultCh:
				require.Error(t, err)
			case <-time.After(testTimeout):
				t.Fatal("timeout waiting for auth result")
			}
		})
	}
}

func TestAuthSession_ConnectionClose(t *testing.T) {
	tc, resultCh := setupAuthSession(t, "testuser", "testpass", config.AuthMethodSCRAMSHA256, 4096)

	tc.expectAuthSASL(t)

	// Close connection without responding
	tc.close()

	select {
	case err := <-resultCh:
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "io") || strings.Contains(err.Error(), "closed") || strings.Contains(err.Error(), "EOF"))
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for auth result")
	}
}

// TestSCRAMServer_Standalone exercises the SCRAMServer directly, using the
// PostgreSQL convention of an empty username in the SCRAM messages.
func TestSCRAMServer_Standalone(t *testing.T) {
	tests := []struct {
		name       string
		username   string
		password   string
		iterations int
	}{
		{
			name:       "basic auth",
			username:   "user1",
			password:   "pass1",
			iterations: 4096,
		},
		{
			name:       "special characters",
			username:   "admin",
			password:   "p@ss=w,ord",
			iterations: 4096,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, err := NewSCRAMServer(tt.username, tt.password, tt.iterations)
			require.NoError(t, err)

			client := newPgScramClient(tt.username, tt.password)

			clientFirst := client.clientFirstMessage()
			serverFirst, err := server.ProcessClientFirstMessage(clientFirst)
			require.NoError(t, err)
			assert.NotEmpty(t, serverFirst)

			clientFinal, err := client.clientFinalMessage(serverFirst)
			require.NoError(t, err)

			serverFinal, err := server.ProcessClientFinalMessage(clientFinal)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(serverFinal, "v="))

			valid, err := client.verifyServerFinal(serverFinal)
			require.NoError(t, err)
			assert.True(t, valid, "server signature should be valid")
		})
	}
}

func TestSCRAMServer_WrongPassword(t *testing.T) {
	server, err := NewSCRAMServer("user1", "correctpassword", 4096)
	require.NoError(t, err)

	client := newPgScramClient("user1", "wrongpassword")

	clientFirst := client.clientFirstMessage()
	serverFirst, err := server.ProcessClientFirstMessage(clientFirst)
	require.NoError(t, err)

	clientFinal, err := client.clientFinalMessage(serverFirst)
	require.NoError(t, err)

	_, err = server.ProcessClientFinalMessage(clientFinal)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")
}

func TestSCRAMServer_NoncePrefixValidation(t *testing.T) {
	server, err := NewSCRAMServer("user", "pass", 4096)
	require.NoError(t, err)

	clientNonce := "abcd1234"
	clientFirstMsg := "n,,n=,r=" + clientNonce
	serverFirstMsg, err := server.ProcessClientFirstMessage(clientFirstMsg)
	require.NoError(t, err)

	attrs := parseAttributes(serverFirstMsg)
	combinedNonce := attrs["r"]
	require.True(t, strings.HasPrefix(combinedNonce, clientNonce))

	// Use a different nonce in client-final
	fakeNonce := "different1234" + combinedNonce[len(clientNonce):]
	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalMsg := fmt.Sprintf("c=%s,r=%s,p=fakeproof", channelBinding, fakeNonce)

	_, err = server.ProcessClientFinalMessage(clientFinalMsg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce mismatch")
}

func TestSCRAMServerPlus_ChannelBindingMismatch(t *testing.T) {
	cbData := []byte("finished-message-bytes")
	server, err := NewSCRAMServerPlus("user", "pass", 4096, cbData)
	require.NoError(t, err)

	clientFirstMsg := "p=tls-unique,,n=,r=clientnonce1234"
	serverFirstMsg, err := server.ProcessClientFirstMessage(clientFirstMsg)
	require.NoError(t, err)

	attrs := parseAttributes(serverFirstMsg)
	combinedNonce := attrs["r"]

	// c= carries the bare gs2-header without the binding data
	wrongCB := base64.StdEncoding.EncodeToString([]byte("p=tls-unique,,"))
	clientFinalMsg := fmt.Sprintf("c=%s,r=%s,p=fakeproof", wrongCB, combinedNonce)

	_, err = server.ProcessClientFinalMessage(clientFinalMsg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel binding verification failed")
}

func TestParseChannelBindingFlag(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expectFlag  byte
		expectType  string
		expectError bool
	}{
		{
			name:       "n flag",
			input:      "n,,n=,r=nonce",
			expectFlag: 'n',
		},
		{
			name:       "y flag",
			input:      "y,,n=,r=nonce",
			expectFlag: 'y',
		},
		{
			name:       "p flag with tls-unique",
			input:      "p=tls-unique,,n=,r=nonce",
			expectFlag: 'p',
			expectType: "tls-unique",
		},
		{
			name:       "p flag with tls-exporter",
			input:      "p=tls-exporter,,n=,r=nonce",
			expectFlag: 'p',
			expectType: "tls-exporter",
		},
		{
			name:        "empty message",
			input:       "",
			expectError: true,
		},
		{
			name:        "invalid flag",
			input:       "x,,n=,r=nonce",
			expectError: true,
		},
		{
			name:        "p flag without type",
			input:       "p,,n=,r=nonce",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flag, cbType, err := ParseChannelBindingFlag(tt.input)
			if tt.expectError {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expectFlag, flag)
				assert.Equal(t, tt.expectType, cbType)
			}
		})
	}
}

func TestParseClientFirstMessageUsername(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		expectedUser string
	}{
		{
			name:         "empty username (PostgreSQL style)",
			input:        "n,,n=,r=nonce",
			expectedUser: "",
		},
		{
			name:         "with username",
			input:        "n,,n=testuser,r=nonce",
			expectedUser: "testuser",
		},
		{
			name:         "malformed",
			input:        "n,",
			expectedUser: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedUser, ParseClientFirstMessageUsername(tt.input))
		})
	}
}

// TestSCRAMServer_ProofVerification manually constructs the client side of
// the exchange to pin down the AuthMessage and signature computations.
func TestSCRAMServer_ProofVerification(t *testing.T) {
	username := "testuser"
	password := "testpass"
	iterations := 4096

	server, err := NewSCRAMServer(username, password, iterations)
	require.NoError(t, err)

	clientNonce := "rOprNGfwEbeRWgbNEkqO"
	clientFirstMsgBare := "n=,r=" + clientNonce
	clientFirstMsg := "n,," + clientFirstMsgBare

	serverFirstMsg, err := server.ProcessClientFirstMessage(clientFirstMsg)
	require.NoError(t, err)

	attrs := parseAttributes(serverFirstMsg)
	combinedNonce := attrs["r"]
	saltB64 := attrs["s"]
	iStr := attrs["i"]

	require.NotEmpty(t, combinedNonce)
	require.True(t, strings.HasPrefix(combinedNonce, clientNonce))
	require.NotEmpty(t, saltB64)
	require.Equal(t, "4096", iStr)

	salt, err := base64.StdEncoding.DecodeString(saltB64)
	require.NoError(t, err)

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKeyHash := sha256.Sum256(clientKey)
	storedKey := storedKeyHash[:]

	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", channelBinding, combinedNonce)
	authMessage := clientFirstMsgBare + "," + serverFirstMsg + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := make([]byte, len(clientKey))
	for i := range clientKey {
		clientProof[i] = clientKey[i] ^ clientSignature[i]
	}
	proofB64 := base64.StdEncoding.EncodeToString(clientProof)

	clientFinalMsg := clientFinalWithoutProof + ",p=" + proofB64

	serverFinalMsg, err := server.ProcessClientFinalMessage(clientFinalMsg)
	require.NoError(t, err)

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	expectedServerSignature := hmacSHA256(serverKey, []byte(authMessage))
	assert.Equal(t, "v="+base64.StdEncoding.EncodeToString(expectedServerSignature), serverFinalMsg)
}

func BenchmarkSCRAMAuth(b *testing.B) {
	username := "benchuser"
	password := "benchpass"
	iterations := 4096

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		server, _ := NewSCRAMServer(username, password, iterations)

		clientFirst := "n,,n=,r=benchnonce12345678"
		serverFirst, _ := server.ProcessClientFirstMessage(clientFirst)

		attrs := parseAttributes(serverFirst)
		salt, _ := base64.StdEncoding.DecodeString(attrs["s"])
		combinedNonce := attrs["r"]

		saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
		clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
		storedKeyHash := sha256.Sum256(clientKey)
		storedKey := storedKeyHash[:]

		channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
		clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", channelBinding, combinedNonce)
		authMessage := "n=,r=benchnonce12345678" + "," + serverFirst + "," + clientFinalWithoutProof

		clientSignature := hmacSHA256(storedKey, []byte(authMessage))
		clientProof := make([]byte, len(clientKey))
		for j := range clientKey {
			clientProof[j] = clientKey[j] ^ clientSignature[j]
		}
		proofB64 := base64.StdEncoding.EncodeToString(clientProof)

		_, _ = server.ProcessClientFinalMessage(clientFinalWithoutProof + ",p=" + proofB64)
	}
}
