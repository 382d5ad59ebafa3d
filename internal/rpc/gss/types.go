package gss

import (
	"fmt"

	"github.com/ArtMk/oncrpc4j/internal/xdr"
)

// RPCGSSCredV1 is the RPCSEC_GSS credential body (version 1), carried in
// OpaqueAuth.Body when the call's auth flavor is RPCSEC_GSS.
//
// Wire format (XDR, after the version field):
//
//	gss_proc:  uint32
//	seq_num:   uint32
//	service:   uint32
//	handle:    opaque<>
//
// Reference: RFC 2203 Section 5.3.1.
type RPCGSSCredV1 struct {
	GSSProc uint32
	SeqNum  uint32
	Service uint32
	Handle  []byte
}

// MaxGSSHandleLen bounds a decoded context handle.
const MaxGSSHandleLen = 65536

// DecodeGSSCred decodes an RPCSEC_GSS credential body. The version field
// must equal RPCGSSVers1.
func DecodeGSSCred(body []byte) (*RPCGSSCredV1, error) {
	d := xdr.NewDecodingStream(body)

	version, err := d.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("gss: read version: %w", err)
	}
	if version != RPCGSSVers1 {
		return nil, fmt.Errorf("gss: unsupported RPCSEC_GSS version: %d", version)
	}

	cred := &RPCGSSCredV1{}
	if cred.GSSProc, err = d.DecodeUint32(); err != nil {
		return nil, fmt.Errorf("gss: read gss_proc: %w", err)
	}
	if cred.SeqNum, err = d.DecodeUint32(); err != nil {
		return nil, fmt.Errorf("gss: read seq_num: %w", err)
	}
	if cred.Service, err = d.DecodeUint32(); err != nil {
		return nil, fmt.Errorf("gss: read service: %w", err)
	}
	handle, err := d.DecodeOpaque()
	if err != nil {
		return nil, fmt.Errorf("gss: read handle: %w", err)
	}
	if len(handle) > MaxGSSHandleLen {
		return nil, fmt.Errorf("gss: handle length %d exceeds maximum %d", len(handle), MaxGSSHandleLen)
	}
	cred.Handle = handle
	return cred, nil
}

// EncodeGSSCred encodes an RPCSEC_GSS credential body, including the
// leading version field.
func EncodeGSSCred(cred *RPCGSSCredV1) ([]byte, error) {
	e := xdr.NewEncodingStream()
	if err := e.EncodeUint32(RPCGSSVers1); err != nil {
		return nil, err
	}
	if err := e.EncodeUint32(cred.GSSProc); err != nil {
		return nil, err
	}
	if err := e.EncodeUint32(cred.SeqNum); err != nil {
		return nil, err
	}
	if err := e.EncodeUint32(cred.Service); err != nil {
		return nil, err
	}
	if err := e.EncodeOpaque(cred.Handle); err != nil {
		return nil, err
	}
	return e.EndEncoding(), nil
}

// RPCGSSInitRes is the context establishment response sent by the server
// in reply to INIT and CONTINUE_INIT calls.
//
// Wire format (XDR):
//
//	handle:     opaque<>
//	gss_major:  uint32
//	gss_minor:  uint32
//	seq_window: uint32
//	gss_token:  opaque<>
//
// Reference: RFC 2203 Section 5.2.3.1.
type RPCGSSInitRes struct {
	Handle    []byte
	GSSMajor  uint32
	GSSMinor  uint32
	SeqWindow uint32
	GSSToken  []byte
}

// EncodeGSSInitRes encodes an RPCSEC_GSS INIT/CONTINUE_INIT response.
func EncodeGSSInitRes(res *RPCGSSInitRes) ([]byte, error) {
	e := xdr.NewEncodingStream()
	if err := e.EncodeOpaque(res.Handle); err != nil {
		return nil, err
	}
	if err := e.EncodeUint32(res.GSSMajor); err != nil {
		return nil, err
	}
	if err := e.EncodeUint32(res.GSSMinor); err != nil {
		return nil, err
	}
	if err := e.EncodeUint32(res.SeqWindow); err != nil {
		return nil, err
	}
	if err := e.EncodeOpaque(res.GSSToken); err != nil {
		return nil, err
	}
	return e.EndEncoding(), nil
}

// decodeOpaqueToken extracts the raw GSS token from an XDR-encoded
// rpc_gss_init_arg (RFC 2203 Section 5.2.1: struct rpc_gss_init_arg {
// opaque gss_token<>; }).
func decodeOpaqueToken(data []byte) ([]byte, error) {
	d := xdr.NewDecodingStream(data)
	token, err := d.DecodeOpaque()
	if err != nil {
		return nil, fmt.Errorf("gss: decode init arg: %w", err)
	}
	if len(token) == 0 {
		return nil, fmt.Errorf("gss: empty GSS token")
	}
	return token, nil
}
