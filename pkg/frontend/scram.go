package frontend

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// SCRAMServer handles SCRAM-SHA-256 authentication for PostgreSQL clients.
// PostgreSQL clients omit the username in the SCRAM messages (n=,) because
// the username already arrived in the startup message, which rules out
// generic SASL implementations that key the exchange on the SCRAM username.
//
// When channel binding data is supplied the server runs SCRAM-SHA-256-PLUS
// and verifies the gs2-header against the TLS channel in the final message.
type SCRAMServer struct {
	username       string
	password       string
	iterationCount int
	salt           []byte

	// channelBinding is the TLS channel binding data for the PLUS variant,
	// nil otherwise.
	channelBinding []byte

	// State accumulated across the exchange. The AuthMessage that both
	// sides sign is built from the exact bytes the client sent, so the
	// client's messages are stored verbatim.
	gs2Header          string
	clientFirstMsgBare string
	serverFirstMsg     string
	clientNonce        string
	serverNonce        string
}

// NewSCRAMServer creates a SCRAM-SHA-256 server for the given credentials.
func NewSCRAMServer(username, password string, iterationCount int) (*SCRAMServer, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	return &SCRAMServer{
		username:       username,
		password:       password,
		iterationCount: iterationCount,
		salt:           salt,
	}, nil
}

// NewSCRAMServerPlus creates a SCRAM-SHA-256-PLUS server that requires the
// client to prove possession of the given TLS channel binding data.
func NewSCRAMServerPlus(username, password string, iterationCount int, channelBinding []byte) (*SCRAMServer, error) {
	s, err := NewSCRAMServer(username, password, iterationCount)
	if err != nil {
		return nil, err
	}
	s.channelBinding = channelBinding
	return s, nil
}

// ProcessClientFirstMessage processes the client-first-message and returns
// the server-first-message.
//
// client-first-message = gs2-header "," client-first-message-bare
// gs2-header           = ("n" / "y" / "p=" cb-type) "," [authzid]
// client-first-message-bare = "n=" username ",r=" nonce
func (s *SCRAMServer) ProcessClientFirstMessage(clientFirstMsg string) (string, error) {
	parts := strings.SplitN(clientFirstMsg, ",", 3)
	if len(parts) < 3 {
		return "", errors.New("invalid client-first-message format")
	}

	s.gs2Header = parts[0] + "," + parts[1] + ","

	// The bare message is kept exactly as sent; it is hashed into the
	// AuthMessage later and any re-serialization would break the proof.
	s.clientFirstMsgBare = parts[2]

	bareAttrs := parseAttributes(s.clientFirstMsgBare)

	clientNonce, ok := bareAttrs["r"]
	if !ok {
		return "", errors.New("missing client nonce in client-first-message")
	}
	s.clientNonce = clientNonce

	serverNonceBytes := make([]byte, 18)
	if _, err := rand.Read(serverNonceBytes); err != nil {
		return "", fmt.Errorf("failed to generate server nonce: %w", err)
	}
	s.serverNonce = base64.StdEncoding.EncodeToString(serverNonceBytes)

	combinedNonce := s.clientNonce + s.serverNonce
	saltB64 := base64.StdEncoding.EncodeToString(s.salt)
	s.serverFirstMsg = fmt.Sprintf("r=%s,s=%s,i=%d", combinedNonce, saltB64, s.iterationCount)

	return s.serverFirstMsg, nil
}

// ProcessClientFinalMessage verifies the client-final-message and returns
// the server-final-message, or an error if authentication failed.
//
// client-final-message = "c=" base64(gs2-header [cb-data]) ",r=" nonce ",p=" base64(proof)
func (s *SCRAMServer) ProcessClientFinalMessage(clientFinalMsg string) (string, error) {
	attrs := parseAttributes(clientFinalMsg)

	receivedNonce, ok := attrs["r"]
	if !ok {
		return "", errors.New("missing nonce in client-final-message")
	}
	expectedNonce := s.clientNonce + s.serverNonce
	if receivedNonce != expectedNonce {
		return "", errors.New("nonce mismatch")
	}

	if err := s.verifyChannelBinding(attrs); err != nil {
		return "", err
	}

	proofB64, ok := attrs["p"]
	if !ok {
		return "", errors.New("missing proof in client-final-message")
	}
	clientProof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return "", fmt.Errorf("invalid proof encoding: %w", err)
	}

	clientFinalWithoutProof := removeProof(clientFinalMsg)
	authMessage := s.clientFirstMsgBare + "," + s.serverFirstMsg + "," + clientFinalWithoutProof

	saltedPassword := pbkdf2.Key([]byte(s.password), s.salt, s.iterationCount, 32, sha256.New)

	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKeyHash := sha256.Sum256(clientKey)
	storedKey := storedKeyHash[:]

	clientSignature := hmacSHA256(storedKey, []byte(authMessage))

	// ClientKey = ClientProof XOR ClientSignature
	if len(clientProof) != len(clientSignature) {
		return "", errors.New("proof length mismatch")
	}
	recoveredClientKey := make([]byte, len(clientProof))
	for i := range clientProof {
		recoveredClientKey[i] = clientProof[i] ^ clientSignature[i]
	}

	recoveredStoredKeyHash := sha256.Sum256(recoveredClientKey)
	if !hmac.Equal(storedKey, recoveredStoredKeyHash[:]) {
		return "", errors.New("authentication failed")
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	serverSignature := hmacSHA256(serverKey, []byte(authMessage))

	return "v=" + base64.StdEncoding.EncodeToString(serverSignature), nil
}

// verifyChannelBinding checks the c= attribute. For the PLUS variant the
// decoded value must be gs2-header || cb-data; otherwise it must round-trip
// the bare gs2-header the client sent in its first message.
func (s *SCRAMServer) verifyChannelBinding(attrs map[string]string) error {
	cbB64, ok := attrs["c"]
	if !ok {
		return errors.New("missing channel binding in client-final-message")
	}
	received, err := base64.StdEncoding.DecodeString(cbB64)
	if err != nil {
		return fmt.Errorf("invalid channel binding encoding: %w", err)
	}

	expected := []byte(s.gs2Header)
	if s.channelBinding != nil {
		expected = append(expected, s.channelBinding...)
	}

	if !hmac.Equal(received, expected) {
		return errors.New("channel binding verification failed")
	}
	return nil
}

// parseAttributes parses a comma-separated list of key=value attributes.
func parseAttributes(msg string) map[string]string {
	attrs := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		if len(part) >= 2 && part[1] == '=' {
			attrs[part[:1]] = part[2:]
		}
	}
	return attrs
}

// removeProof removes the trailing proof attribute from a client-final-message.
func removeProof(msg string) string {
	if idx := strings.LastIndex(msg, ",p="); idx >= 0 {
		return msg[:idx]
	}
	return msg
}

// hmacSHA256 computes HMAC-SHA256.
func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// ParseChannelBindingFlag extracts the channel binding flag from a
// client-first-message. Returns the flag ('n', 'y', or 'p') and the channel
// binding type when the flag is 'p'.
func ParseChannelBindingFlag(clientFirstMsg string) (flag byte, cbType string, err error) {
	if len(clientFirstMsg) == 0 {
		return 0, "", errors.New("empty client-first-message")
	}

	flag = clientFirstMsg[0]
	switch flag {
	case 'n', 'y':
		return flag, "", nil
	case 'p':
		// "p=type,..."
		if len(clientFirstMsg) < 3 || clientFirstMsg[1] != '=' {
			return 0, "", errors.New("invalid channel binding format")
		}
		commaIdx := strings.Index(clientFirstMsg, ",")
		if commaIdx < 0 {
			return 0, "", errors.New("invalid client-first-message format")
		}
		cbType = clientFirstMsg[2:commaIdx]
		return flag, cbType, nil
	default:
		return 0, "", fmt.Errorf("invalid channel binding flag: %c", flag)
	}
}

// ParseClientFirstMessageUsername extracts the username from a
// client-first-message. PostgreSQL clients normally leave it empty.
func ParseClientFirstMessageUsername(clientFirstMsg string) string {
	parts := strings.SplitN(clientFirstMsg, ",", 3)
	if len(parts) < 3 {
		return ""
	}
	return parseAttributes(parts[2])["n"]
}
