package rpc

import (
	"fmt"

	"github.com/ArtMk/oncrpc4j/internal/xdr"
)

// OpaqueAuth is the flavor-tagged opaque body carried by both the
// credential and the verifier fields of a call, and the verifier field of
// a reply. Per RFC 5531 section 8.2 the body must not exceed
// MaxAuthBodyLen octets.
type OpaqueAuth struct {
	Flavor uint32
	Body   []byte
}

func decodeOpaqueAuth(s *xdr.Stream) (OpaqueAuth, error) {
	flavor, err := s.DecodeUint32()
	if err != nil {
		return OpaqueAuth{}, fmt.Errorf("decode auth flavor: %w", err)
	}
	body, err := s.DecodeOpaque()
	if err != nil {
		return OpaqueAuth{}, fmt.Errorf("decode auth body: %w", err)
	}
	if len(body) > MaxAuthBodyLen {
		return OpaqueAuth{}, fmt.Errorf("auth body length %d exceeds %d: %w", len(body), MaxAuthBodyLen, xdr.ErrGarbageArgs)
	}
	return OpaqueAuth{Flavor: flavor, Body: body}, nil
}

func encodeOpaqueAuth(s *xdr.Stream, a OpaqueAuth) error {
	if err := s.EncodeUint32(a.Flavor); err != nil {
		return err
	}
	return s.EncodeOpaque(a.Body)
}

// CallHeader is the decoded header of an RPC call, preceding the
// procedure-specific argument body. Procedure dispatch consumes the header
// and hands the remaining stream to the registered handler.
type CallHeader struct {
	Xid        uint32
	RPCVersion uint32
	Program    uint32
	Version    uint32
	Procedure  uint32
	Credential OpaqueAuth
	Verifier   OpaqueAuth
}

// DecodeCallHeader reads xid, msg_type, rpcvers, prog, vers, proc,
// credential, and verifier from s, in that order, per RFC 5531 section 8.
// The caller must have already determined this is a Call message (or be
// willing to accept the msg_type value returned here); most callers should
// use DecodeMessageHeader instead, which dispatches on msg_type itself.
func DecodeCallHeader(s *xdr.Stream) (*CallHeader, error) {
	xid, err := s.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode xid: %w", err)
	}
	msgType, err := s.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode msg_type: %w", err)
	}
	if msgType != Call {
		return nil, fmt.Errorf("expected CALL message, got msg_type %d", msgType)
	}
	rpcvers, err := s.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode rpcvers: %w", err)
	}
	prog, err := s.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode prog: %w", err)
	}
	vers, err := s.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode vers: %w", err)
	}
	proc, err := s.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode proc: %w", err)
	}
	cred, err := decodeOpaqueAuth(s)
	if err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	verf, err := decodeOpaqueAuth(s)
	if err != nil {
		return nil, fmt.Errorf("decode verifier: %w", err)
	}
	return &CallHeader{
		Xid:        xid,
		RPCVersion: rpcvers,
		Program:    prog,
		Version:    vers,
		Procedure:  proc,
		Credential: cred,
		Verifier:   verf,
	}, nil
}

// EncodeCall builds a full RPC call message: xid, msg_type=CALL, rpcvers,
// program/version/procedure, credential, verifier, and the already-encoded
// procedure arguments. Used by client-side callers (e.g. the portmap
// self-registration client) that issue calls rather than serve them.
func EncodeCall(xid, program, version, procedure uint32, cred, verf OpaqueAuth, args []byte) ([]byte, error) {
	s := xdr.NewEncodingStream()
	if err := s.EncodeUint32(xid); err != nil {
		return nil, err
	}
	if err := s.EncodeUint32(Call); err != nil {
		return nil, err
	}
	if err := s.EncodeUint32(RPCVersion); err != nil {
		return nil, err
	}
	if err := s.EncodeUint32(program); err != nil {
		return nil, err
	}
	if err := s.EncodeUint32(version); err != nil {
		return nil, err
	}
	if err := s.EncodeUint32(procedure); err != nil {
		return nil, err
	}
	if err := encodeOpaqueAuth(s, cred); err != nil {
		return nil, err
	}
	if err := encodeOpaqueAuth(s, verf); err != nil {
		return nil, err
	}
	if err := s.EncodeOpaqueFixed(args); err != nil {
		return nil, err
	}
	return s.EndEncoding(), nil
}

// ReplyHeader is the decoded xid/reply_stat prefix common to every reply,
// followed by either an AcceptedReply or DeniedReply tail depending on
// ReplyStat.
type ReplyHeader struct {
	Xid       uint32
	ReplyStat uint32
}

// DecodeReplyHeader reads xid, msg_type (which must be Reply), and
// reply_stat from s, leaving the stream positioned at the accepted/denied
// tail.
func DecodeReplyHeader(s *xdr.Stream) (*ReplyHeader, error) {
	xid, err := s.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode xid: %w", err)
	}
	msgType, err := s.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode msg_type: %w", err)
	}
	if msgType != Reply {
		return nil, fmt.Errorf("expected REPLY message, got msg_type %d", msgType)
	}
	replyStat, err := s.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode reply_stat: %w", err)
	}
	return &ReplyHeader{Xid: xid, ReplyStat: replyStat}, nil
}

// DecodeAcceptedReplyTail reads the verifier/accept_stat/[mismatch or
// body] tail of an accepted reply. Callers already know AcceptStat ==
// Success when they want Body; for other statuses Body is empty.
func DecodeAcceptedReplyTail(s *xdr.Stream) (*AcceptedReply, error) {
	verf, err := decodeOpaqueAuth(s)
	if err != nil {
		return nil, fmt.Errorf("decode verifier: %w", err)
	}
	acceptStat, err := s.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode accept_stat: %w", err)
	}
	r := &AcceptedReply{Verifier: verf, AcceptStat: acceptStat}
	switch acceptStat {
	case ProgMismatch:
		if r.MismatchLow, err = s.DecodeUint32(); err != nil {
			return nil, err
		}
		if r.MismatchHigh, err = s.DecodeUint32(); err != nil {
			return nil, err
		}
	case Success:
		body, err := s.DecodeOpaqueFixed(s.Remaining())
		if err != nil {
			return nil, fmt.Errorf("decode reply body: %w", err)
		}
		r.Body = body
	}
	return r, nil
}

// AcceptedReply describes the tail of a reply whose reply_stat is
// MSG_ACCEPTED.
type AcceptedReply struct {
	Verifier   OpaqueAuth
	AcceptStat uint32
	// MismatchLow/MismatchHigh are populated only when AcceptStat is
	// ProgMismatch: the observed min/max of registered versions for the
	// program.
	MismatchLow  uint32
	MismatchHigh uint32
	// Body is the procedure-specific reply payload, already XDR-encoded by
	// the handler; present only when AcceptStat == Success.
	Body []byte
}

// DeniedReply describes the tail of a reply whose reply_stat is
// MSG_DENIED.
type DeniedReply struct {
	RejectStat uint32
	// MismatchLow/MismatchHigh populated when RejectStat == RPCMismatch.
	MismatchLow  uint32
	MismatchHigh uint32
	// Why populated when RejectStat == AuthError.
	Why uint32
}

// EncodeAcceptedReply writes a full MSG_ACCEPTED reply for the given xid.
func EncodeAcceptedReply(xid uint32, r AcceptedReply) ([]byte, error) {
	s := xdr.NewEncodingStream()
	if err := s.EncodeUint32(xid); err != nil {
		return nil, err
	}
	if err := s.EncodeUint32(Reply); err != nil {
		return nil, err
	}
	if err := s.EncodeUint32(MsgAccepted); err != nil {
		return nil, err
	}
	if err := encodeOpaqueAuth(s, r.Verifier); err != nil {
		return nil, err
	}
	if err := s.EncodeUint32(r.AcceptStat); err != nil {
		return nil, err
	}
	switch r.AcceptStat {
	case ProgMismatch:
		if r.MismatchLow > r.MismatchHigh {
			return nil, fmt.Errorf("invalid version range: low (%d) > high (%d)", r.MismatchLow, r.MismatchHigh)
		}
		if err := s.EncodeUint32(r.MismatchLow); err != nil {
			return nil, err
		}
		if err := s.EncodeUint32(r.MismatchHigh); err != nil {
			return nil, err
		}
	case Success:
		if err := s.EncodeOpaqueFixed(r.Body); err != nil {
			return nil, err
		}
	}
	return s.EndEncoding(), nil
}

// EncodeDeniedReply writes a full MSG_DENIED reply for the given xid.
func EncodeDeniedReply(xid uint32, r DeniedReply) ([]byte, error) {
	s := xdr.NewEncodingStream()
	if err := s.EncodeUint32(xid); err != nil {
		return nil, err
	}
	if err := s.EncodeUint32(Reply); err != nil {
		return nil, err
	}
	if err := s.EncodeUint32(MsgDenied); err != nil {
		return nil, err
	}
	if err := s.EncodeUint32(r.RejectStat); err != nil {
		return nil, err
	}
	switch r.RejectStat {
	case RPCMismatch:
		if err := s.EncodeUint32(r.MismatchLow); err != nil {
			return nil, err
		}
		if err := s.EncodeUint32(r.MismatchHigh); err != nil {
			return nil, err
		}
	case AuthError:
		if err := s.EncodeUint32(r.Why); err != nil {
			return nil, err
		}
	}
	return s.EndEncoding(), nil
}

// MakeRPCMismatchReply builds a full reply body for a call whose rpcvers
// was not 2, per section 4.3 ("rpcvers != 2 -> RPC_MISMATCH(2,2)").
func MakeRPCMismatchReply(xid uint32) ([]byte, error) {
	return EncodeDeniedReply(xid, DeniedReply{RejectStat: RPCMismatch, MismatchLow: RPCVersion, MismatchHigh: RPCVersion})
}

// MakeAuthErrorReply builds a full reply body rejecting a call for an
// authentication failure.
func MakeAuthErrorReply(xid uint32, why uint32) ([]byte, error) {
	return EncodeDeniedReply(xid, DeniedReply{RejectStat: AuthError, Why: why})
}

// MakeSuccessReply builds a full reply body carrying a successful
// procedure result. verifier is typically AUTH_NONE unless a GSS session
// is in effect.
func MakeSuccessReply(xid uint32, verifier OpaqueAuth, body []byte) ([]byte, error) {
	return EncodeAcceptedReply(xid, AcceptedReply{Verifier: verifier, AcceptStat: Success, Body: body})
}

// MakeErrorReply builds a full reply body for any non-success,
// non-prog-mismatch accept_stat (PROG_UNAVAIL, PROC_UNAVAIL, GARBAGE_ARGS,
// SYSTEM_ERR).
func MakeErrorReply(xid uint32, acceptStat uint32) ([]byte, error) {
	return EncodeAcceptedReply(xid, AcceptedReply{Verifier: OpaqueAuth{Flavor: AuthNone}, AcceptStat: acceptStat})
}

// MakeProgMismatchReply builds a full reply body for PROG_MISMATCH, citing
// the observed [low, high] range of versions registered for the program.
func MakeProgMismatchReply(xid uint32, low, high uint32) ([]byte, error) {
	return EncodeAcceptedReply(xid, AcceptedReply{
		Verifier:     OpaqueAuth{Flavor: AuthNone},
		AcceptStat:   ProgMismatch,
		MismatchLow:  low,
		MismatchHigh: high,
	})
}
