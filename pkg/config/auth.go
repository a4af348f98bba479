package config

import "fmt"

// AuthMethod selects how the proxy authenticates clients. The proxy
// terminates authentication itself; it never forwards client credentials
// to the server.
type AuthMethod string

const (
	// AuthMethodPlaintext requests the password in cleartext. Only
	// reasonable over TLS or a trusted network.
	AuthMethodPlaintext AuthMethod = "plaintext"
	// AuthMethodMD5 uses the salted double-MD5 scheme.
	AuthMethodMD5 AuthMethod = "md5"
	// AuthMethodSCRAMSHA256 uses SASL SCRAM-SHA-256, with channel binding
	// when the client connects over TLS.
	AuthMethodSCRAMSHA256 AuthMethod = "scram-sha-256"
)

func (m AuthMethod) Validate() error {
	switch m {
	case "", AuthMethodPlaintext, AuthMethodMD5, AuthMethodSCRAMSHA256:
		return nil
	}
	return fmt.Errorf("unknown auth_method %q", string(m))
}
