package notify

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"
)

const (
	testCertURL        = "https://sns.us-east-1.amazonaws.com/SimpleNotificationService-0123456789abcdef0123456789abcdef.pem"
	testUploadTopic    = "arn:aws:sns:us-east-1:123456789012:uploads"
	testTranscodeTopic = "arn:aws:sns:us-east-1:123456789012:transcodes"
)

// testSigner holds a throwaway RSA key and a self-signed certificate for it.
type testSigner struct {
	key *rsa.PrivateKey
	pem []byte
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "sns.amazonaws.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return &testSigner{
		key: key,
		pem: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

// sign fills in the signing fields and returns the envelope as sent on the
// wire.
func (s *testSigner) sign(t *testing.T, fields map[string]string) []byte {
	t.Helper()
	signed := make(map[string]string, len(fields)+3)
	for k, v := range fields {
		signed[k] = v
	}
	if _, ok := signed[FieldSignatureVersion]; !ok {
		signed[FieldSignatureVersion] = SupportedSignatureVersion
	}
	if _, ok := signed[FieldSigningCertURL]; !ok {
		signed[FieldSigningCertURL] = testCertURL
	}
	env := Envelope{Kind: parseKind(signed[FieldType]), Fields: signed}
	digest := sha1.Sum(StringToSign(env))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA1, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signed[FieldSignature] = base64.StdEncoding.EncodeToString(sig)
	body, err := json.Marshal(signed)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func notificationFields(topic, message string) map[string]string {
	return map[string]string{
		FieldType:      "Notification",
		FieldMessageID: "5b1e1c2a-0000-4000-8000-000000000001",
		FieldTopicArn:  topic,
		FieldSubject:   "Amazon S3 Notification",
		FieldMessage:   message,
		FieldTimestamp: "2024-05-01T12:00:00.000Z",
	}
}

// fakeCertSource serves PEM bytes from memory and counts lookups.
type fakeCertSource struct {
	mu    sync.Mutex
	certs map[string][]byte
	err   error
	calls int
}

func newFakeCertSource(certs map[string][]byte) *fakeCertSource {
	return &fakeCertSource{certs: certs}
}

func (f *fakeCertSource) Get(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	pem, ok := f.certs[url]
	if !ok {
		return nil, errors.New("no such certificate")
	}
	return pem, nil
}

func (f *fakeCertSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
