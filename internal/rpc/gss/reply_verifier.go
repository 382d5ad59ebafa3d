package gss

import (
	"encoding/binary"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/ArtMk/oncrpc4j/internal/rpc"
)

// ComputeReplyVerifier computes the RPCSEC_GSS_DATA reply verifier: the
// MIC of the XDR-encoded sequence number, proving the server holds the
// session key (RFC 2203 Section 5.3.3.2).
func ComputeReplyVerifier(sessionKey types.EncryptionKey, seqNum uint32) ([]byte, error) {
	seqBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(seqBytes, seqNum)

	mic := gssapi.MICToken{
		Flags:     gssapi.MICTokenFlagSentByAcceptor,
		SndSeqNum: uint64(seqNum),
		Payload:   seqBytes,
	}
	if err := mic.SetChecksum(sessionKey, KeyUsageAcceptorSign); err != nil {
		return nil, fmt.Errorf("gss: compute reply MIC: %w", err)
	}
	return mic.Marshal()
}

// WrapReplyVerifier wraps MIC bytes as the OpaqueAuth reply verifier
// (flavor RPCSEC_GSS).
func WrapReplyVerifier(mic []byte) rpc.OpaqueAuth {
	return rpc.OpaqueAuth{Flavor: AuthRPCSECGSS, Body: mic}
}

// ComputeInitVerifier computes the reply verifier for a successful INIT:
// the MIC of the XDR-encoded sequence window size (RFC 2203 Section
// 5.3.3.2). hasAcceptorSubkey must match the value used to build the
// accompanying rpc_gss_init_res.
func ComputeInitVerifier(sessionKey types.EncryptionKey, seqWindow uint32, hasAcceptorSubkey bool) ([]byte, error) {
	winBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(winBytes, seqWindow)

	var flags byte = gssapi.MICTokenFlagSentByAcceptor
	if hasAcceptorSubkey {
		flags |= gssapi.MICTokenFlagAcceptorSubkey
	}

	mic := gssapi.MICToken{Flags: flags, SndSeqNum: 0, Payload: winBytes}
	if err := mic.SetChecksum(sessionKey, KeyUsageAcceptorSign); err != nil {
		return nil, fmt.Errorf("gss: compute init MIC: %w", err)
	}
	return mic.Marshal()
}
