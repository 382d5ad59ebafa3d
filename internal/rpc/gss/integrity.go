// Wrapping and unwrapping for the rpc_gss_svc_integrity service level.
//
// Per RFC 2203 Section 5.3.3.4.2, the call/reply body becomes:
//
//	struct rpc_gss_integ_data {
//	    opaque databody_integ<>;  // XDR(seq_num) + args
//	    opaque checksum<>;        // MIC over databody_integ
//	};
//
// The MIC is an RFC 4121 MICToken: KeyUsageInitiatorSign for client->server,
// KeyUsageAcceptorSign for server->client.
package gss

import (
	"encoding/binary"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/ArtMk/oncrpc4j/internal/xdr"
)

// UnwrapIntegrity decodes and MIC-verifies an rpc_gss_integ_data request
// body, returning the procedure arguments and the sequence number found
// inside the body (for dual validation against the credential's seq_num).
func UnwrapIntegrity(sessionKey types.EncryptionKey, credSeqNum uint32, requestBody []byte) ([]byte, uint32, error) {
	d := xdr.NewDecodingStream(requestBody)
	databodyInteg, err := d.DecodeOpaque()
	if err != nil {
		return nil, 0, fmt.Errorf("gss: decode databody_integ: %w", err)
	}
	checksum, err := d.DecodeOpaque()
	if err != nil {
		return nil, 0, fmt.Errorf("gss: decode checksum: %w", err)
	}

	var mic gssapi.MICToken
	if err := mic.Unmarshal(checksum, false); err != nil {
		return nil, 0, fmt.Errorf("gss: unmarshal MIC token: %w", err)
	}
	mic.Payload = databodyInteg

	ok, err := mic.Verify(sessionKey, KeyUsageInitiatorSign)
	if err != nil {
		return nil, 0, fmt.Errorf("gss: verify MIC: %w", err)
	}
	if !ok {
		return nil, 0, fmt.Errorf("gss: integrity MIC verification failed")
	}

	if len(databodyInteg) < 4 {
		return nil, 0, fmt.Errorf("gss: databody_integ too short: %d bytes", len(databodyInteg))
	}
	bodySeqNum := binary.BigEndian.Uint32(databodyInteg[0:4])
	if bodySeqNum != credSeqNum {
		return nil, 0, fmt.Errorf("gss: seq_num mismatch: credential=%d, body=%d", credSeqNum, bodySeqNum)
	}

	return databodyInteg[4:], bodySeqNum, nil
}

// WrapIntegrity builds the rpc_gss_integ_data reply body for seqNum and
// replyBody.
func WrapIntegrity(sessionKey types.EncryptionKey, seqNum uint32, replyBody []byte) ([]byte, error) {
	databodyInteg := make([]byte, 4+len(replyBody))
	binary.BigEndian.PutUint32(databodyInteg[0:4], seqNum)
	copy(databodyInteg[4:], replyBody)

	mic := gssapi.MICToken{
		Flags:     gssapi.MICTokenFlagSentByAcceptor,
		SndSeqNum: uint64(seqNum),
		Payload:   databodyInteg,
	}
	if err := mic.SetChecksum(sessionKey, KeyUsageAcceptorSign); err != nil {
		return nil, fmt.Errorf("gss: compute integrity MIC: %w", err)
	}
	micBytes, err := mic.Marshal()
	if err != nil {
		return nil, fmt.Errorf("gss: marshal integrity MIC: %w", err)
	}

	e := xdr.NewEncodingStream()
	if err := e.EncodeOpaque(databodyInteg); err != nil {
		return nil, err
	}
	if err := e.EncodeOpaque(micBytes); err != nil {
		return nil, err
	}
	return e.EndEncoding(), nil
}
