// Package gss implements RPCSEC_GSS (RFC 2203) context establishment, the
// krb5 mechanism's wrapping/unwrapping of call and reply bodies (RFC 4121),
// and the server-side context store backing the auth pipeline of section
// 4.5. It intercepts auth flavor RPCSEC_GSS (6) ahead of the dispatcher so
// a procedure handler never sees raw GSS wire format.
package gss

// AuthRPCSECGSS is the RPC auth flavor value for RPCSEC_GSS (RFC 2203
// Section 1).
const AuthRPCSECGSS uint32 = 6

// RPCGSSVers1 is the only defined RPCSEC_GSS version.
const RPCGSSVers1 uint32 = 1

// RPCSEC_GSS procedure values (gss_proc field of the credential), naming
// the purpose of a call within the GSS context lifecycle.
const (
	RPCGSSData         uint32 = 0
	RPCGSSInit         uint32 = 1
	RPCGSSContinueInit uint32 = 2
	RPCGSSDestroy      uint32 = 3
)

// RPCSEC_GSS service levels, determining how the call body is protected.
const (
	RPCGSSSvcNone      uint32 = 1
	RPCGSSSvcIntegrity uint32 = 2
	RPCGSSSvcPrivacy   uint32 = 3
)

// MAXSEQ is the largest sequence number a context may use before it must
// be destroyed, per RFC 2203 Section 5.3.3.1.
const MAXSEQ uint32 = 0x80000000

// GSS major status codes relevant to context establishment (RFC 2743
// Section 1.2.1.1).
const (
	GSSComplete            uint32 = 0
	GSSContinueNeeded      uint32 = 1
	GSSDefectiveCredential uint32 = 2
)

// KRB5OID identifies the krb5 GSS-API mechanism (1.2.840.113554.1.2.2).
var KRB5OID = []int{1, 2, 840, 113554, 1, 2, 2}

// RFC 4121 key usage values for krb5 MIC and Wrap tokens.
const (
	KeyUsageAcceptorSeal  uint32 = 22
	KeyUsageAcceptorSign  uint32 = 23
	KeyUsageInitiatorSeal uint32 = 24
	KeyUsageInitiatorSign uint32 = 25
)

// Auth_stat extensions specific to RPCSEC_GSS (RFC 2203 Section 5.3.3.1).
const (
	AuthStatCredProblem uint32 = 13
	AuthStatCtxProblem  uint32 = 14
)

// DefaultSeqWindowSize is the sequence window size advertised in the INIT
// reply when the caller does not request a different size (section 6's
// seq_window_size configuration field).
const DefaultSeqWindowSize = 128
