// Wrapping and unwrapping for the rpc_gss_svc_privacy service level.
//
// Per RFC 2203 Section 5.3.3.4.3, the call/reply body becomes:
//
//	struct rpc_gss_priv_data { opaque databody_priv<>; };
//
// databody_priv is an RFC 4121 Section 4.2.6.2 Wrap token. The gokrb5
// WrapToken type verifies non-sealed (integrity-only) tokens but does not
// decrypt sealed ones, so the sealed case is handled by hand here,
// following RFC 4121 Section 4.2.4's encrypted-token layout directly.
package gss

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/ArtMk/oncrpc4j/internal/xdr"
)

const (
	wrapTokenHdrLen = 16

	wrapFlagSentByAcceptor = 0x01
	wrapFlagSealed         = 0x02
)

// UnwrapPrivacy decodes and decrypts an rpc_gss_priv_data request body,
// returning the procedure arguments and the sequence number carried
// inside the plaintext.
func UnwrapPrivacy(sessionKey types.EncryptionKey, credSeqNum uint32, requestBody []byte) ([]byte, uint32, error) {
	d := xdr.NewDecodingStream(requestBody)
	wrapToken, err := d.DecodeOpaque()
	if err != nil {
		return nil, 0, fmt.Errorf("gss: decode databody_priv: %w", err)
	}
	if len(wrapToken) < wrapTokenHdrLen {
		return nil, 0, fmt.Errorf("gss: wrap token too short: %d bytes", len(wrapToken))
	}
	if wrapToken[0] != 0x05 || wrapToken[1] != 0x04 {
		return nil, 0, fmt.Errorf("gss: invalid wrap token ID: 0x%02x%02x", wrapToken[0], wrapToken[1])
	}

	flags := wrapToken[2]
	ec := binary.BigEndian.Uint16(wrapToken[4:6])
	rrc := binary.BigEndian.Uint16(wrapToken[6:8])
	sndSeqNum := binary.BigEndian.Uint64(wrapToken[8:16])

	if flags&wrapFlagSentByAcceptor != 0 {
		return nil, 0, fmt.Errorf("gss: expected wrap token from initiator, got acceptor flag")
	}

	var plaintext []byte
	if flags&wrapFlagSealed != 0 {
		ciphertext := wrapToken[wrapTokenHdrLen:]
		if rrc > 0 && len(ciphertext) > 0 {
			ciphertext = rotateLeft(ciphertext, int(rrc))
		}

		decrypted, err := crypto.DecryptMessage(ciphertext, sessionKey, KeyUsageInitiatorSeal)
		if err != nil {
			return nil, 0, fmt.Errorf("gss: decrypt wrap token: %w", err)
		}
		if len(decrypted) < wrapTokenHdrLen {
			return nil, 0, fmt.Errorf("gss: decrypted data too short for header copy: %d bytes", len(decrypted))
		}

		headerCopy := decrypted[len(decrypted)-wrapTokenHdrLen:]
		if !bytes.Equal(headerCopy[:2], wrapToken[:2]) {
			return nil, 0, fmt.Errorf("gss: header_copy token ID mismatch")
		}
		if headerCopy[2] != flags {
			return nil, 0, fmt.Errorf("gss: header_copy flags mismatch")
		}
		if copySeqNum := binary.BigEndian.Uint64(headerCopy[8:16]); copySeqNum != sndSeqNum {
			return nil, 0, fmt.Errorf("gss: header_copy seq_num mismatch: got %d, expected %d", copySeqNum, sndSeqNum)
		}

		fillerSize := int(ec)
		plaintextEnd := len(decrypted) - wrapTokenHdrLen - fillerSize
		if plaintextEnd < 0 {
			return nil, 0, fmt.Errorf("gss: invalid EC %d makes plaintext length negative", ec)
		}
		plaintext = decrypted[:plaintextEnd]
	} else {
		var wt gssapi.WrapToken
		if err := wt.Unmarshal(wrapToken, false); err != nil {
			return nil, 0, fmt.Errorf("gss: unmarshal non-sealed wrap token: %w", err)
		}
		ok, err := wt.Verify(sessionKey, KeyUsageInitiatorSeal)
		if err != nil {
			return nil, 0, fmt.Errorf("gss: verify non-sealed wrap token: %w", err)
		}
		if !ok {
			return nil, 0, fmt.Errorf("gss: non-sealed wrap token verification failed")
		}
		plaintext = wt.Payload
	}

	if len(plaintext) < 4 {
		return nil, 0, fmt.Errorf("gss: plaintext too short for seq_num: %d bytes", len(plaintext))
	}
	bodySeqNum := binary.BigEndian.Uint32(plaintext[0:4])
	if bodySeqNum != credSeqNum {
		return nil, 0, fmt.Errorf("gss: seq_num mismatch: credential=%d, body=%d", credSeqNum, bodySeqNum)
	}

	return plaintext[4:], bodySeqNum, nil
}

// WrapPrivacy builds the rpc_gss_priv_data reply body for seqNum and
// replyBody, sealing it per RFC 4121 Section 4.2.4.
func WrapPrivacy(sessionKey types.EncryptionKey, seqNum uint32, replyBody []byte) ([]byte, error) {
	plaintext := make([]byte, 4+len(replyBody))
	binary.BigEndian.PutUint32(plaintext[0:4], seqNum)
	copy(plaintext[4:], replyBody)

	encType, err := crypto.GetEtype(sessionKey.KeyType)
	if err != nil {
		return nil, fmt.Errorf("gss: get encryption type: %w", err)
	}

	header := make([]byte, wrapTokenHdrLen)
	header[0], header[1] = 0x05, 0x04
	header[2] = byte(wrapFlagSentByAcceptor | wrapFlagSealed)
	header[3] = 0xFF
	binary.BigEndian.PutUint16(header[4:6], 0) // ec
	binary.BigEndian.PutUint16(header[6:8], 0) // rrc
	binary.BigEndian.PutUint64(header[8:16], uint64(seqNum))

	toEncrypt := make([]byte, len(plaintext)+wrapTokenHdrLen)
	copy(toEncrypt, plaintext)
	copy(toEncrypt[len(plaintext):], header)

	_, ciphertext, err := encType.EncryptMessage(sessionKey.KeyValue, toEncrypt, KeyUsageAcceptorSeal)
	if err != nil {
		return nil, fmt.Errorf("gss: encrypt wrap token: %w", err)
	}

	wrapToken := make([]byte, wrapTokenHdrLen+len(ciphertext))
	copy(wrapToken, header)
	copy(wrapToken[wrapTokenHdrLen:], ciphertext)

	e := xdr.NewEncodingStream()
	if err := e.EncodeOpaque(wrapToken); err != nil {
		return nil, err
	}
	return e.EndEncoding(), nil
}

// rotateLeft undoes the right rotation (RRC) a sender may apply to a
// sealed wrap token's ciphertext.
func rotateLeft(data []byte, n int) []byte {
	if len(data) == 0 || n <= 0 {
		return data
	}
	n %= len(data)
	if n == 0 {
		return data
	}
	out := make([]byte, len(data))
	copy(out, data[n:])
	copy(out[len(data)-n:], data[:n])
	return out
}
