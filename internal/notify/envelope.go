// Package notify authenticates and routes push notifications delivered by the
// cloud notification service: upload-complete events from blob storage and
// job-state events from the transcoder.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates the envelope types the notification service sends.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotification
	KindSubscriptionConfirmation
	KindUnsubscribeConfirmation
)

var kindNames = map[Kind]string{
	KindNotification:             "Notification",
	KindSubscriptionConfirmation: "SubscriptionConfirmation",
	KindUnsubscribeConfirmation:  "UnsubscribeConfirmation",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// IsConfirmation reports whether the envelope is a subscribe or unsubscribe
// confirmation.
func (k Kind) IsConfirmation() bool {
	return k == KindSubscriptionConfirmation || k == KindUnsubscribeConfirmation
}

func parseKind(value string) Kind {
	for kind, name := range kindNames {
		if name == value {
			return kind
		}
	}
	return KindUnknown
}

// Envelope field names as they appear on the wire.
const (
	FieldType             = "Type"
	FieldMessageID        = "MessageId"
	FieldTopicArn         = "TopicArn"
	FieldSubject          = "Subject"
	FieldMessage          = "Message"
	FieldTimestamp        = "Timestamp"
	FieldSignatureVersion = "SignatureVersion"
	FieldSignature        = "Signature"
	FieldSigningCertURL   = "SigningCertURL"
	FieldSubscribeURL     = "SubscribeURL"
	FieldToken            = "Token"
	FieldUnsubscribeURL   = "UnsubscribeURL"
)

// ErrMalformedNotification is returned when a body is not a JSON envelope or
// lacks a field required before any signature work can start.
var ErrMalformedNotification = errors.New("malformed notification")

// Envelope is a parsed inbound notification. Fields keeps exactly the string
// fields that were present so the signed payload can be rebuilt faithfully.
type Envelope struct {
	Kind   Kind
	Fields map[string]string
}

// ParseEnvelope decodes a raw notification body. Only top-level string values
// are retained; anything else makes the envelope malformed.
func ParseEnvelope(body []byte) (Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	fields := make(map[string]string, len(raw))
	for name, value := range raw {
		// A null field is treated as absent, so it stays out of the signed payload.
		if string(value) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return Envelope{}, fmt.Errorf("%w: field %s is not a string", ErrMalformedNotification, name)
		}
		fields[name] = s
	}
	return Envelope{Kind: parseKind(fields[FieldType]), Fields: fields}, nil
}

// Field returns the named field and whether it was present.
func (e Envelope) Field(name string) (string, bool) {
	value, ok := e.Fields[name]
	return value, ok
}

func (e Envelope) get(name string) string {
	return e.Fields[name]
}

func (e Envelope) Type() string             { return e.get(FieldType) }
func (e Envelope) MessageID() string        { return e.get(FieldMessageID) }
func (e Envelope) TopicArn() string         { return e.get(FieldTopicArn) }
func (e Envelope) Message() string          { return e.get(FieldMessage) }
func (e Envelope) SignatureVersion() string { return e.get(FieldSignatureVersion) }
func (e Envelope) Signature() string        { return e.get(FieldSignature) }
func (e Envelope) SigningCertURL() string   { return e.get(FieldSigningCertURL) }
func (e Envelope) SubscribeURL() string     { return e.get(FieldSubscribeURL) }

// signedFields lists, per envelope kind, the fields covered by the signature
// in the order they are concatenated.
var signedFields = map[Kind][]string{
	KindNotification: {
		FieldMessage, FieldMessageID, FieldSubject, FieldTimestamp, FieldTopicArn, FieldType,
	},
	KindSubscriptionConfirmation: {
		FieldMessage, FieldMessageID, FieldSubscribeURL, FieldTimestamp, FieldToken, FieldTopicArn, FieldType,
	},
	KindUnsubscribeConfirmation: {
		FieldMessage, FieldMessageID, FieldSubscribeURL, FieldTimestamp, FieldToken, FieldTopicArn, FieldType,
	},
}

// StringToSign builds the canonical payload the sender signed: for each
// signed field present on the envelope, "name\nvalue\n".
func StringToSign(e Envelope) []byte {
	var buf []byte
	for _, name := range signedFields[e.Kind] {
		value, ok := e.Fields[name]
		if !ok {
			continue
		}
		buf = append(buf, name...)
		buf = append(buf, '\n')
		buf = append(buf, value...)
		buf = append(buf, '\n')
	}
	return buf
}
