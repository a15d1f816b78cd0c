package opc

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gopcua/opcua"

	"printerstatus/internal/cert"
)

// Config holds the connection parameters for the printer's OPC UA server.
type Config struct {
	SecurityPolicy string `mapstructure:"security_policy"`
	SecurityMode   string `mapstructure:"security_mode"`
	AuthMode       string `mapstructure:"auth_mode"` // "Anonymous", "Username"
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	// UserTokenPolicyID is sent verbatim for servers that insist on a specific policy id.
	UserTokenPolicyID string `mapstructure:"user_token_policy_id"`
	CertFile          string `mapstructure:"cert_file"`
	KeyFile           string `mapstructure:"key_file"`
	ApplicationName   string `mapstructure:"application_name"`
	ApplicationURI    string `mapstructure:"application_uri"`

	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	SessionTimeout    time.Duration `mapstructure:"session_timeout"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	// StatePollInterval is how often the connection state is sampled for
	// reconnect and close events.
	StatePollInterval time.Duration `mapstructure:"state_poll_interval"`

	Subscription SubscriptionConfig `mapstructure:"subscription"`
}

// SubscriptionConfig shapes the single subscription and its monitored items.
type SubscriptionConfig struct {
	PublishInterval            time.Duration `mapstructure:"publish_interval"`
	LifetimeCount              uint32        `mapstructure:"lifetime_count"`
	MaxKeepAliveCount          uint32        `mapstructure:"max_keepalive_count"`
	MaxNotificationsPerPublish uint32        `mapstructure:"max_notifications_per_publish"`
	Priority                   uint8         `mapstructure:"priority"`
	SamplingInterval           time.Duration `mapstructure:"sampling_interval"`
	QueueSize                  uint32        `mapstructure:"queue_size"`
	DiscardOldest              bool          `mapstructure:"discard_oldest"`
	// HeartbeatInterval samples the server clock as a keepalive signal.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// DefaultConfig matches the label printer: Sign with Basic256Sha256.
func DefaultConfig() Config {
	return Config{
		SecurityPolicy:    "Basic256Sha256",
		SecurityMode:      "Sign",
		AuthMode:          "Anonymous",
		ApplicationName:   "printer-ui",
		DialTimeout:       10 * time.Second,
		RequestTimeout:    10 * time.Second,
		SessionTimeout:    30 * time.Minute,
		ReconnectInterval: 5 * time.Second,
		StatePollInterval: 500 * time.Millisecond,
		Subscription: SubscriptionConfig{
			PublishInterval:            250 * time.Millisecond,
			LifetimeCount:              120,
			MaxKeepAliveCount:          20,
			MaxNotificationsPerPublish: 20,
			Priority:                   10,
			SamplingInterval:           200 * time.Millisecond,
			QueueSize:                  5,
			DiscardOldest:              true,
			HeartbeatInterval:          time.Second,
		},
	}
}

// Options converts the Config into gopcua client options. Reconnects after a
// session exists are left to gopcua.
func (c *Config) Options() ([]opcua.Option, error) {
	var opts []opcua.Option

	appURI := c.ApplicationURI
	if appURI == "" {
		if hn, err := os.Hostname(); err == nil && hn != "" {
			appURI = fmt.Sprintf("urn:%s:printerstatus", hn)
		} else {
			appURI = "urn:printerstatus:client"
		}
	}
	if c.ApplicationName != "" {
		opts = append(opts, opcua.ApplicationName(c.ApplicationName))
	}
	if c.SessionTimeout > 0 {
		opts = append(opts, opcua.SessionTimeout(c.SessionTimeout))
	}
	if c.DialTimeout > 0 {
		opts = append(opts, opcua.DialTimeout(c.DialTimeout))
	}
	if c.RequestTimeout > 0 {
		opts = append(opts, opcua.RequestTimeout(c.RequestTimeout))
	}
	opts = append(opts, opcua.AutoReconnect(true))
	if c.ReconnectInterval > 0 {
		opts = append(opts, opcua.ReconnectInterval(c.ReconnectInterval))
	}

	pol, mode, err := securityPolicy(c.SecurityPolicy, c.SecurityMode)
	if err != nil {
		return nil, err
	}
	opts = append(opts, opcua.SecurityPolicy(pol), opcua.SecurityModeString(mode))

	if mode != "None" && c.CertFile != "" && c.KeyFile != "" {
		key, der, leaf, err := loadKeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, opcua.PrivateKey(key), opcua.Certificate(der))
		// The server checks ApplicationURI against the certificate.
		if len(leaf.URIs) > 0 && leaf.URIs[0] != nil {
			appURI = leaf.URIs[0].String()
		}
	}
	opts = append(opts, opcua.ApplicationURI(appURI), opcua.SessionName(appURI))

	switch strings.ToLower(strings.TrimSpace(c.AuthMode)) {
	case "username":
		opts = append(opts, opcua.AuthUsername(c.Username, c.Password))
	case "anonymous", "":
		opts = append(opts, opcua.AuthAnonymous())
	default:
		return nil, fmt.Errorf("unsupported authentication mode: %s", c.AuthMode)
	}
	if pid := strings.TrimSpace(c.UserTokenPolicyID); pid != "" {
		opts = append(opts, opcua.AuthPolicyID(pid))
	}
	return opts, nil
}

// EnsureCertificates validates the configured key pair, if any.
func (c *Config) EnsureCertificates() error {
	if c.CertFile == "" && c.KeyFile == "" {
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return fmt.Errorf("both certificate and key paths must be set or both empty")
	}
	if err := cert.ValidateCertificateFiles(c.CertFile, c.KeyFile); err != nil {
		return fmt.Errorf("invalid certificate files: %w", err)
	}
	return nil
}

// securityPolicy maps short policy names to their URIs and normalizes the mode.
func securityPolicy(policy, mode string) (string, string, error) {
	modeLower := strings.ToLower(strings.TrimSpace(mode))
	var modeStr string
	switch modeLower {
	case "", "auto", "none":
		modeStr = "None"
	case "sign":
		modeStr = "Sign"
	case "signandencrypt":
		modeStr = "SignAndEncrypt"
	default:
		return "", "", fmt.Errorf("unsupported security mode: %s", mode)
	}

	pol := strings.ReplaceAll(strings.TrimSpace(policy), " ", "")
	switch strings.ToLower(pol) {
	case "", "auto":
		if modeStr != "None" {
			return "", "", fmt.Errorf("security policy required for mode %s", mode)
		}
		pol = "None"
	case "none":
		pol = "None"
	case "basic128rsa15":
		pol = "http://opcfoundation.org/UA/SecurityPolicy#Basic128Rsa15"
	case "basic256":
		pol = "http://opcfoundation.org/UA/SecurityPolicy#Basic256"
	case "basic256sha256":
		pol = "http://opcfoundation.org/UA/SecurityPolicy#Basic256Sha256"
	case "aes128_sha256_rsaoaep", "aes128sha256rsaoaep":
		pol = "http://opcfoundation.org/UA/SecurityPolicy#Aes128_Sha256_RsaOaep"
	case "aes256_sha256_rsapss", "aes256sha256rsapss":
		pol = "http://opcfoundation.org/UA/SecurityPolicy#Aes256_Sha256_RsaPss"
	default:
		if !strings.HasPrefix(strings.ToLower(pol), "http") {
			return "", "", fmt.Errorf("unsupported security policy: %s", policy)
		}
	}
	if pol == "None" && modeStr != "None" {
		return "", "", fmt.Errorf("security mode %s needs a security policy other than None", modeStr)
	}
	return pol, modeStr, nil
}

// loadKeyPair reads an RSA key (PKCS#1 or PKCS#8, PEM or DER) and the
// certificate matching it from a PEM chain or a single DER file.
func loadKeyPair(certFile, keyFile string) (*rsa.PrivateKey, []byte, *x509.Certificate, error) {
	keyBytes, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read key file: %w", err)
	}
	keyDER := keyBytes
	if b, _ := pem.Decode(keyBytes); b != nil {
		if len(b.Headers) > 0 {
			return nil, nil, nil, fmt.Errorf("encrypted private key is not supported: %s", keyFile)
		}
		keyDER = b.Bytes
	}
	var key *rsa.PrivateKey
	if k, err := x509.ParsePKCS1PrivateKey(keyDER); err == nil {
		key = k
	} else if k, err := x509.ParsePKCS8PrivateKey(keyDER); err == nil {
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, nil, nil, fmt.Errorf("private key is not RSA: %T", k)
		}
		key = rk
	} else {
		return nil, nil, nil, fmt.Errorf("failed to parse private key as PKCS#1 or PKCS#8")
	}

	certBytes, err := os.ReadFile(certFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	if !strings.Contains(string(certBytes), "-----BEGIN") {
		crt, err := x509.ParseCertificate(certBytes)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to parse certificate as DER: %w", err)
		}
		return key, certBytes, crt, nil
	}

	var first *x509.Certificate
	rest := certBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		crt, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		if pk, ok := crt.PublicKey.(*rsa.PublicKey); ok && pk.N.Cmp(key.N) == 0 && pk.E == key.E {
			return key, block.Bytes, crt, nil
		}
		if first == nil {
			first = crt
		}
	}
	if first == nil {
		return nil, nil, nil, fmt.Errorf("no CERTIFICATE block(s) found in PEM: %s", certFile)
	}
	return key, first.Raw, first, nil
}
