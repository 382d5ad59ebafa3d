// Package rpc implements the ONC-RPC (RFC 5531) message model: call and
// reply headers, authentication credential/verifier framing, and the
// strongly typed accept/reject status values the dispatcher writes back.
package rpc

// MsgType distinguishes a call from a reply in the second word of every
// RPC message.
const (
	Call  uint32 = 0
	Reply uint32 = 1
)

// RPCVersion is the only rpcvers this implementation accepts.
const RPCVersion uint32 = 2

// ReplyStat is the top-level discriminant of a reply body.
const (
	MsgAccepted uint32 = 0
	MsgDenied   uint32 = 1
)

// AcceptStat enumerates the outcomes of an accepted call, per RFC 5531
// section 7.4.
const (
	Success      uint32 = 0
	ProgUnavail  uint32 = 1
	ProgMismatch uint32 = 2
	ProcUnavail  uint32 = 3
	GarbageArgs  uint32 = 4
	SystemErr    uint32 = 5
)

// RejectStat enumerates the outcomes of a denied call.
const (
	RPCMismatch uint32 = 0
	AuthError   uint32 = 1
)

// AuthStat enumerates why a credential/verifier pair was rejected.
const (
	AuthOK              uint32 = 0
	AuthBadCred         uint32 = 1
	AuthRejectedCred    uint32 = 2
	AuthBadVerf         uint32 = 3
	AuthRejectedVerf    uint32 = 4
	AuthTooWeak         uint32 = 5
	AuthInvalidResp     uint32 = 6
	AuthFailed          uint32 = 7
	AuthKerbGeneric     uint32 = 8
	AuthTimeExpire      uint32 = 9
	AuthTktFile         uint32 = 10
	AuthDecode          uint32 = 11
	AuthNetAddr         uint32 = 12
	RPCSecGSSCredProblem uint32 = 13
	RPCSecGSSCtxProblem  uint32 = 14
)

// Auth flavors, per RFC 5531 section 8 and RFC 2203.
const (
	AuthNone     uint32 = 0
	AuthSys      uint32 = 1
	AuthShort    uint32 = 2
	AuthDES      uint32 = 3
	AuthRPCSecGSS uint32 = 6
)

// MaxAuthBodyLen is the RFC 5531 section 8.2 ceiling on an opaque
// credential/verifier body.
const MaxAuthBodyLen = 400

// MaxGIDs bounds the AUTH_SYS auxiliary group list, matching the historical
// NGROUPS_MAX most implementations enforce.
const MaxGIDs = 16

// MaxMachineNameLen bounds the AUTH_SYS machine name field.
const MaxMachineNameLen = 255
