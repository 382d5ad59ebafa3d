package gss

import (
	"encoding/asn1"
	"fmt"
	"time"

	"github.com/jcmturner/gokrb5/v8/asn1tools"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/service"
	"github.com/jcmturner/gokrb5/v8/types"
)

// VerifiedContext is the result of successfully verifying a client's
// AP-REQ during RPCSEC_GSS_INIT.
type VerifiedContext struct {
	// Principal and Realm identify the client. The caller decides how (or
	// whether) to map these onto local accounts; this package carries
	// them as opaque strings.
	Principal string
	Realm     string

	// SessionKey is the key subsequent MIC/Wrap operations use: the
	// authenticator's subkey if the client supplied one, otherwise the
	// ticket's session key.
	SessionKey types.EncryptionKey

	// APRepToken is the mutual-authentication reply, non-empty only when
	// the client's AP-REQ requested it.
	APRepToken []byte

	// HasAcceptorSubkey is true when APRepToken carries a fresh subkey,
	// which MIC tokens must then flag per RFC 4121.
	HasAcceptorSubkey bool
}

// Verifier abstracts AP-REQ verification so GSSProcessor can be tested
// without a KDC.
type Verifier interface {
	VerifyToken(gssToken []byte) (*VerifiedContext, error)
}

// KeytabSource supplies the long-term key material a Krb5Verifier checks
// client tickets against.
type KeytabSource interface {
	Keytab() *keytab.Keytab
	ServicePrincipal() string
	MaxClockSkew() time.Duration
}

// Krb5Verifier verifies AP-REQs against a keytab using gokrb5.
type Krb5Verifier struct {
	source KeytabSource
}

// NewKrb5Verifier returns a Verifier backed by source's keytab.
func NewKrb5Verifier(source KeytabSource) *Krb5Verifier {
	return &Krb5Verifier{source: source}
}

// VerifyToken implements Verifier.
func (v *Krb5Verifier) VerifyToken(gssToken []byte) (*VerifiedContext, error) {
	apReqBytes, err := extractAPReq(gssToken)
	if err != nil {
		return nil, fmt.Errorf("gss: extract AP-REQ: %w", err)
	}

	var apReq messages.APReq
	if err := apReq.Unmarshal(apReqBytes); err != nil {
		return nil, fmt.Errorf("gss: unmarshal AP-REQ: %w", err)
	}

	settings := service.NewSettings(
		v.source.Keytab(),
		service.MaxClockSkew(v.source.MaxClockSkew()),
		service.DecodePAC(false),
		service.KeytabPrincipal(v.source.ServicePrincipal()),
	)

	ok, _, err := service.VerifyAPREQ(&apReq, settings)
	if err != nil {
		return nil, fmt.Errorf("gss: verify AP-REQ: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("gss: AP-REQ verification failed")
	}

	sessionKey := apReq.Ticket.DecryptedEncPart.Key
	if err := apReq.DecryptAuthenticator(sessionKey); err != nil {
		return nil, fmt.Errorf("gss: decrypt authenticator: %w", err)
	}

	// Per RFC 4120, a subkey offered by the client in the authenticator
	// supersedes the ticket session key for all subsequent operations.
	contextKey := sessionKey
	if hasSubkey(apReq) {
		contextKey = apReq.Authenticator.SubKey
	}

	mutualRequired := len(apReq.APOptions.Bytes) > 0 && apReq.APOptions.Bytes[0]&0x20 != 0

	var apRepToken []byte
	var hasAcceptorSubkey bool
	if mutualRequired {
		if apRepToken, err = buildAPRep(apReq, sessionKey); err == nil {
			hasAcceptorSubkey = hasSubkey(apReq)
		}
	}

	return &VerifiedContext{
		Principal:         apReq.Ticket.DecryptedEncPart.CName.PrincipalNameString(),
		Realm:             apReq.Ticket.DecryptedEncPart.CRealm,
		SessionKey:        contextKey,
		APRepToken:        apRepToken,
		HasAcceptorSubkey: hasAcceptorSubkey,
	}, nil
}

func hasSubkey(apReq messages.APReq) bool {
	return apReq.Authenticator.SubKey.KeyType != 0 && len(apReq.Authenticator.SubKey.KeyValue) > 0
}

// extractAPReq strips the GSS-API initial context token wrapper (RFC 2743
// Section 3.1: 0x60 [length] 0x06 [OID-length] [OID] [inner token]) if
// present, per RFC 1964 Section 1.1's 2-byte token ID prefix for the krb5
// mechanism (0x0100 for AP-REQ). A token not starting with 0x60 is assumed
// to already be a raw AP-REQ.
func extractAPReq(token []byte) ([]byte, error) {
	if len(token) < 2 {
		return nil, fmt.Errorf("token too short: %d bytes", len(token))
	}
	if token[0] != 0x60 {
		return token, nil
	}

	offset := 1
	length, bytesRead, err := parseASN1Length(token[offset:])
	if err != nil {
		return nil, fmt.Errorf("parse GSS token length: %w", err)
	}
	offset += bytesRead
	if offset+length > len(token) {
		return nil, fmt.Errorf("GSS token truncated: expected %d bytes, have %d", offset+length, len(token))
	}

	if offset >= len(token) || token[offset] != 0x06 {
		return nil, fmt.Errorf("expected OID tag at offset %d", offset)
	}
	offset++
	if offset >= len(token) {
		return nil, fmt.Errorf("truncated OID length")
	}
	oidLen := int(token[offset])
	offset++
	offset += oidLen
	if offset > len(token) {
		return nil, fmt.Errorf("truncated after OID")
	}

	if offset+2 > len(token) {
		return nil, fmt.Errorf("truncated token ID")
	}
	tokenID := uint16(token[offset])<<8 | uint16(token[offset+1])
	if tokenID != 0x0100 {
		return nil, fmt.Errorf("unexpected krb5 token ID: 0x%04x, expected 0x0100 (AP-REQ)", tokenID)
	}
	offset += 2

	return token[offset:], nil
}

// buildAPRep constructs a mutual-authentication AP-REP per RFC 4120
// Section 5.5.2, wrapped as a GSS-API MechToken (RFC 1964 token ID 0x0200).
func buildAPRep(apReq messages.APReq, sessionKey types.EncryptionKey) ([]byte, error) {
	encAPRepPart := messages.EncAPRepPart{
		CTime: apReq.Authenticator.CTime,
		Cusec: apReq.Authenticator.Cusec,
	}
	if hasSubkey(apReq) {
		encAPRepPart.Subkey = apReq.Authenticator.SubKey
	}

	inner, err := asn1.Marshal(encAPRepPart)
	if err != nil {
		return nil, fmt.Errorf("marshal EncAPRepPart: %w", err)
	}
	encAPRepPartBytes := asn1tools.AddASNAppTag(inner, 27)

	// Key usage 12: AP-REP encrypted part (RFC 4120 Section 7.5.1).
	encryptedData, err := crypto.GetEncryptedData(encAPRepPartBytes, sessionKey, 12, 0)
	if err != nil {
		return nil, fmt.Errorf("encrypt EncAPRepPart: %w", err)
	}

	apRep := messages.APRep{PVNO: 5, MsgType: 15, EncPart: encryptedData}
	apRepInner, err := asn1.Marshal(apRep)
	if err != nil {
		return nil, fmt.Errorf("marshal AP-REP: %w", err)
	}
	apRepBytes := asn1tools.AddASNAppTag(apRepInner, 15)

	return wrapGSSToken(apRepBytes, 0x0200), nil
}

// wrapGSSToken wraps innerToken in a GSS-API MechToken for the krb5
// mechanism (RFC 2743 Section 3.1), prefixed with tokenID per RFC 1964.
func wrapGSSToken(innerToken []byte, tokenID uint16) []byte {
	krb5OID := []byte{0x06, 0x09, 0x2a, 0x86, 0x48, 0x86, 0xf7, 0x12, 0x01, 0x02, 0x02}
	tokenIDBytes := []byte{byte(tokenID >> 8), byte(tokenID)}

	content := make([]byte, 0, len(krb5OID)+len(tokenIDBytes)+len(innerToken))
	content = append(content, krb5OID...)
	content = append(content, tokenIDBytes...)
	content = append(content, innerToken...)

	lengthBytes := encodeASN1Length(len(content))
	out := make([]byte, 0, 1+len(lengthBytes)+len(content))
	out = append(out, 0x60)
	out = append(out, lengthBytes...)
	return append(out, content...)
}

func encodeASN1Length(length int) []byte {
	if length < 128 {
		return []byte{byte(length)}
	}
	var lengthBytes []byte
	for length > 0 {
		lengthBytes = append([]byte{byte(length & 0xFF)}, lengthBytes...)
		length >>= 8
	}
	return append([]byte{byte(0x80 | len(lengthBytes))}, lengthBytes...)
}

func parseASN1Length(data []byte) (int, int, error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("empty length field")
	}
	first := data[0]
	if first < 0x80 {
		return int(first), 1, nil
	}
	numBytes := int(first & 0x7f)
	if numBytes == 0 || numBytes > 4 {
		return 0, 0, fmt.Errorf("invalid ASN.1 length: %d bytes", numBytes)
	}
	if 1+numBytes > len(data) {
		return 0, 0, fmt.Errorf("truncated ASN.1 length")
	}
	length := 0
	for i := 1; i <= numBytes; i++ {
		length = length<<8 | int(data[i])
	}
	return length, 1 + numBytes, nil
}
