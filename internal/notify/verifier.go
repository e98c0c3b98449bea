package notify

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"
	"regexp"

	"openvideo/internal/observability/logging"
)

// SupportedSignatureVersion is the only signature scheme accepted: RSA PKCS#1
// v1.5 over SHA-1.
const SupportedSignatureVersion = "1"

// certURLPattern pins certificate downloads to the notification service's own
// certificate endpoints.
var certURLPattern = regexp.MustCompile(`^https://sns\.[a-zA-Z0-9-]{3,}\.amazonaws\.com(\.cn)?/SimpleNotificationService-[a-zA-Z0-9]{32}\.pem$`)

// ValidCertURL reports whether url is an allowed signing certificate location.
func ValidCertURL(url string) bool {
	return certURLPattern.MatchString(url)
}

// CertSource returns PEM-encoded signing certificates by URL.
type CertSource interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Verifier checks envelope signatures against the sender's certificate.
type Verifier struct {
	certs  CertSource
	logger *slog.Logger
}

func NewVerifier(certs CertSource, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{certs: certs, logger: logging.WithComponent(logger, "notify.verifier")}
}

// Verify reports whether env carries a valid signature. It returns
// ErrMalformedNotification when a field needed to even attempt verification
// is missing. Every other failure, including certificate download errors, is
// logged and reported as false.
func (v *Verifier) Verify(ctx context.Context, env Envelope) (bool, error) {
	logger := logging.WithContext(ctx, v.logger)

	for _, name := range []string{FieldType, FieldSignatureVersion, FieldSigningCertURL, FieldSignature} {
		if value, ok := env.Field(name); !ok || value == "" {
			logger.Warn("notification missing signing field", "field", name)
			return false, fmt.Errorf("%w: missing %s", ErrMalformedNotification, name)
		}
	}

	if version := env.SignatureVersion(); version != SupportedSignatureVersion {
		logger.Warn("unsupported notification signature version", "version", version)
		return false, nil
	}
	certURL := env.SigningCertURL()
	if !ValidCertURL(certURL) {
		logger.Warn("notification signing certificate url rejected", "url", certURL)
		return false, nil
	}
	if env.Kind == KindUnknown {
		logger.Warn("notification type has no signing layout", "type", env.Type())
		return false, nil
	}

	signature, err := base64.StdEncoding.DecodeString(env.Signature())
	if err != nil {
		logger.Warn("notification signature is not base64", "error", err)
		return false, nil
	}

	pemBytes, err := v.certs.Get(ctx, certURL)
	if err != nil {
		logger.Warn("failed to fetch notification signing certificate", "url", certURL, "error", err)
		return false, nil
	}
	key, err := publicKeyFromPEM(pemBytes)
	if err != nil {
		logger.Warn("notification signing certificate unusable", "url", certURL, "error", err)
		return false, nil
	}

	digest := sha1.Sum(StringToSign(env))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA1, digest[:], signature); err != nil {
		logger.Info("notification signature mismatch", "message_id", env.MessageID())
		return false, nil
	}
	return true, nil
}

func publicKeyFromPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	key, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate key is %T, want RSA", cert.PublicKey)
	}
	return key, nil
}
