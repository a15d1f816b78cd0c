package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CertificateConfig holds configuration for client certificate generation.
type CertificateConfig struct {
	CommonName         string
	Organization       string
	OrganizationalUnit string
	Country            string
	ApplicationURI     string
	ValidityDays       int
	KeySize            int
	DNSNames           []string
	IPAddresses        []net.IP
}

// DefaultConfig is a UA client profile: URI SAN, RSA 2048, SHA256, ClientAuth.
func DefaultConfig(appURI, hostname string) *CertificateConfig {
	if hostname == "" {
		if h, _ := os.Hostname(); h != "" {
			hostname = h
		} else {
			hostname = "printerstatus"
		}
	}
	if strings.TrimSpace(appURI) == "" {
		appURI = fmt.Sprintf("urn:%s:printerstatus", hostname)
	}
	return &CertificateConfig{
		CommonName:         "printerstatus",
		Organization:       "printerstatus",
		OrganizationalUnit: "UAClient",
		Country:            "DE",
		ApplicationURI:     appURI,
		ValidityDays:       3650,
		KeySize:            2048,
		DNSNames:           []string{hostname},
	}
}

// GenerateSelfSigned writes a PEM certificate and a PKCS#1 PEM key.
func GenerateSelfSigned(config *CertificateConfig, certPath, keyPath string) error {
	if config == nil {
		config = DefaultConfig("", "")
	}
	if certPath == "" || keyPath == "" {
		return fmt.Errorf("certificate and key paths are required")
	}
	for _, p := range []string{certPath, keyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("create dir: %w", err)
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, config.KeySize)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("serial: %w", err)
	}

	now := time.Now().UTC().Add(-5 * time.Minute)
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         config.CommonName,
			Organization:       []string{config.Organization},
			OrganizationalUnit: []string{config.OrganizationalUnit},
			Country:            []string{config.Country},
		},
		NotBefore:             now,
		NotAfter:              now.Add(time.Duration(config.ValidityDays) * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
		DNSNames:              append([]string(nil), config.DNSNames...),
		IPAddresses:           append([]net.IP(nil), config.IPAddresses...),
	}
	if uri := strings.TrimSpace(config.ApplicationURI); uri != "" {
		if u, err := url.Parse(uri); err == nil {
			tmpl.URIs = []*url.URL{u}
		}
	}
	if pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey); err == nil {
		sum := sha1.Sum(pubDER)
		tmpl.SubjectKeyId = sum[:]
		tmpl.AuthorityKeyId = sum[:]
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create self-signed cert: %w", err)
	}
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}), 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// EnsureSelfSigned generates a key pair unless both files already exist.
func EnsureSelfSigned(config *CertificateConfig, certPath, keyPath string) (bool, error) {
	_, cerr := os.Stat(certPath)
	_, kerr := os.Stat(keyPath)
	if cerr == nil && kerr == nil {
		return false, nil
	}
	return true, GenerateSelfSigned(config, certPath, keyPath)
}

func readCertificate(certPath string) (*x509.Certificate, error) {
	data, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	der := data
	if blk, _ := pem.Decode(data); blk != nil && blk.Type == "CERTIFICATE" {
		der = blk.Bytes
	}
	crt, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return crt, nil
}

// ValidateCertificateFiles checks validity dates and that the key matches the certificate.
func ValidateCertificateFiles(certPath, keyPath string) error {
	crt, err := readCertificate(certPath)
	if err != nil {
		return err
	}
	now := time.Now()
	if now.Before(crt.NotBefore) {
		return fmt.Errorf("certificate is not yet valid (valid from %v)", crt.NotBefore)
	}
	if now.After(crt.NotAfter) {
		return fmt.Errorf("certificate has expired (expired on %v)", crt.NotAfter)
	}

	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("failed to read private key file: %w", err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return fmt.Errorf("failed to decode PEM block from private key")
	}
	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		var k any
		k, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			var ok bool
			if key, ok = k.(*rsa.PrivateKey); !ok {
				return fmt.Errorf("private key is not RSA")
			}
		}
	default:
		return fmt.Errorf("unsupported private key type: %s", block.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	pub, ok := crt.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("certificate does not contain RSA public key")
	}
	if key.PublicKey.N.Cmp(pub.N) != 0 || key.PublicKey.E != pub.E {
		return fmt.Errorf("private key does not match certificate public key")
	}
	return nil
}

// Info returns a human-readable certificate summary.
func Info(certPath string) (string, error) {
	crt, err := readCertificate(certPath)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", crt.Subject.String())
	fmt.Fprintf(&b, "Valid from: %s\n", crt.NotBefore.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Valid until: %s\n", crt.NotAfter.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Serial Number: %s\n", crt.SerialNumber.String())
	if len(crt.DNSNames) > 0 {
		fmt.Fprintf(&b, "DNS Names: %s\n", strings.Join(crt.DNSNames, ", "))
	}
	if len(crt.URIs) > 0 {
		uris := make([]string, 0, len(crt.URIs))
		for _, u := range crt.URIs {
			uris = append(uris, u.String())
		}
		fmt.Fprintf(&b, "URIs: %s\n", strings.Join(uris, ", "))
	}
	return b.String(), nil
}
