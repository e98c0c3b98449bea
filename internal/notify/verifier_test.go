package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func parseSigned(t *testing.T, body []byte) Envelope {
	t.Helper()
	env, err := ParseEnvelope(body)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	return env
}

func TestVerifierAcceptsSignedNotification(t *testing.T) {
	signer := newTestSigner(t)
	certs := newFakeCertSource(map[string][]byte{testCertURL: signer.pem})
	verifier := NewVerifier(certs, nil)

	env := parseSigned(t, signer.sign(t, notificationFields(testUploadTopic, `{"Records":[]}`)))
	ok, err := verifier.Verify(context.Background(), env)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifierAcceptsSubscriptionConfirmation(t *testing.T) {
	signer := newTestSigner(t)
	verifier := NewVerifier(newFakeCertSource(map[string][]byte{testCertURL: signer.pem}), nil)

	body := signer.sign(t, map[string]string{
		FieldType:         "SubscriptionConfirmation",
		FieldMessageID:    "confirm-1",
		FieldToken:        "token-value",
		FieldTopicArn:     testUploadTopic,
		FieldMessage:      "You have chosen to subscribe.",
		FieldSubscribeURL: "https://sns.us-east-1.amazonaws.com/?Action=ConfirmSubscription",
		FieldTimestamp:    "2024-05-01T12:00:00.000Z",
	})
	ok, err := verifier.Verify(context.Background(), parseSigned(t, body))
	if err != nil || !ok {
		t.Fatalf("expected confirmation to verify, ok=%v err=%v", ok, err)
	}
}

func TestVerifierRejectsTamperedMessage(t *testing.T) {
	signer := newTestSigner(t)
	verifier := NewVerifier(newFakeCertSource(map[string][]byte{testCertURL: signer.pem}), nil)

	body := signer.sign(t, notificationFields(testUploadTopic, `{"Records":[]}`))
	var fields map[string]string
	if err := json.Unmarshal(body, &fields); err != nil {
		t.Fatalf("decode: %v", err)
	}
	fields[FieldMessage] = `{"Records":[{"tampered":true}]}`
	tampered, _ := json.Marshal(fields)

	ok, err := verifier.Verify(context.Background(), parseSigned(t, tampered))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("expected tampered message to fail verification")
	}
}

func TestVerifierRejectsForeignCertURLWithoutFetching(t *testing.T) {
	signer := newTestSigner(t)
	evil := "https://evil.example.com/SimpleNotificationService-0123456789abcdef0123456789abcdef.pem"
	certs := newFakeCertSource(map[string][]byte{evil: signer.pem})
	verifier := NewVerifier(certs, nil)

	fields := notificationFields(testUploadTopic, "{}")
	fields[FieldSigningCertURL] = evil
	ok, err := verifier.Verify(context.Background(), parseSigned(t, signer.sign(t, fields)))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("expected foreign certificate url to be rejected")
	}
	if calls := certs.Calls(); calls != 0 {
		t.Fatalf("expected no certificate fetch, got %d", calls)
	}
}

func TestVerifierMissingSigningFieldsAreMalformed(t *testing.T) {
	signer := newTestSigner(t)
	verifier := NewVerifier(newFakeCertSource(map[string][]byte{testCertURL: signer.pem}), nil)

	for _, field := range []string{FieldType, FieldSignatureVersion, FieldSigningCertURL, FieldSignature} {
		t.Run(field, func(t *testing.T) {
			env := parseSigned(t, signer.sign(t, notificationFields(testUploadTopic, "{}")))
			delete(env.Fields, field)
			ok, err := verifier.Verify(context.Background(), env)
			if !errors.Is(err, ErrMalformedNotification) {
				t.Fatalf("expected ErrMalformedNotification, got %v", err)
			}
			if ok {
				t.Fatal("expected verification to fail")
			}
		})
	}
}

func TestVerifierFailureModesReturnFalse(t *testing.T) {
	signer := newTestSigner(t)
	other := newTestSigner(t)

	cases := []struct {
		name   string
		certs  *fakeCertSource
		mutate func(map[string]string)
	}{
		{
			name:   "unsupported version",
			certs:  newFakeCertSource(map[string][]byte{testCertURL: signer.pem}),
			mutate: func(f map[string]string) { f[FieldSignatureVersion] = "2" },
		},
		{
			name:   "signature not base64",
			certs:  newFakeCertSource(map[string][]byte{testCertURL: signer.pem}),
			mutate: func(f map[string]string) { f[FieldSignature] = "%%%not-base64%%%" },
		},
		{
			name:   "unknown type",
			certs:  newFakeCertSource(map[string][]byte{testCertURL: signer.pem}),
			mutate: func(f map[string]string) { f[FieldType] = "Bogus" },
		},
		{
			name:  "fetch failure",
			certs: &fakeCertSource{err: errors.New("boom")},
		},
		{
			name:  "not a certificate",
			certs: newFakeCertSource(map[string][]byte{testCertURL: []byte("garbage")}),
		},
		{
			name:  "signed by another key",
			certs: newFakeCertSource(map[string][]byte{testCertURL: other.pem}),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := parseSigned(t, signer.sign(t, notificationFields(testUploadTopic, "{}")))
			if tc.mutate != nil {
				tc.mutate(env.Fields)
				env.Kind = parseKind(env.Fields[FieldType])
			}
			ok, err := NewVerifier(tc.certs, nil).Verify(context.Background(), env)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if ok {
				t.Fatal("expected verification to fail")
			}
		})
	}
}

func TestValidCertURL(t *testing.T) {
	cases := map[string]bool{
		testCertURL: true,
		"https://sns.cn-north-1.amazonaws.com.cn/SimpleNotificationService-0123456789abcdef0123456789abcdef.pem":     true,
		"http://sns.us-east-1.amazonaws.com/SimpleNotificationService-0123456789abcdef0123456789abcdef.pem":          false,
		"https://sns.us-east-1.amazonaws.com/SimpleNotificationService-short.pem":                                    false,
		"https://sns.us-east-1.amazonaws.com.evil.io/SimpleNotificationService-0123456789abcdef0123456789abcdef.pem": false,
		"": false,
	}
	for url, want := range cases {
		if got := ValidCertURL(url); got != want {
			t.Errorf("ValidCertURL(%q) = %v, want %v", url, got, want)
		}
	}
}

func TestStringToSignSkipsAbsentFields(t *testing.T) {
	env := Envelope{Kind: KindNotification, Fields: map[string]string{
		FieldType:      "Notification",
		FieldMessage:   "hello",
		FieldMessageID: "m-1",
		FieldTopicArn:  "arn:topic",
		FieldTimestamp: "t",
	}}
	want := "Message\nhello\nMessageId\nm-1\nTimestamp\nt\nTopicArn\narn:topic\nType\nNotification\n"
	if got := string(StringToSign(env)); got != want {
		t.Fatalf("unexpected string to sign:\n%q\nwant\n%q", got, want)
	}
}

func TestParseEnvelopeRejectsNonStringFields(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"Type":"Notification","Message":{"nested":true}}`)); !errors.Is(err, ErrMalformedNotification) {
		t.Fatalf("expected ErrMalformedNotification, got %v", err)
	}
	if _, err := ParseEnvelope([]byte(`not json`)); !errors.Is(err, ErrMalformedNotification) {
		t.Fatalf("expected ErrMalformedNotification, got %v", err)
	}
	env, err := ParseEnvelope([]byte(`{"Type":"Notification","Subject":null}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if _, ok := env.Field(FieldSubject); ok {
		t.Fatal("expected null subject to be treated as absent")
	}
	if got := string(StringToSign(env)); got != "Type\nNotification\n" {
		t.Fatalf("expected null subject to stay out of the signed payload, got %q", got)
	}
	if env.Kind != KindNotification {
		t.Fatalf("expected notification kind, got %s", env.Kind)
	}
}
