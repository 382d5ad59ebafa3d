package portmap

import (
	"context"
	"net"

	"github.com/ArtMk/oncrpc4j/internal/rpc"
	"github.com/ArtMk/oncrpc4j/internal/rpc/dispatch"
	"github.com/ArtMk/oncrpc4j/internal/rpc/framing"
	"github.com/ArtMk/oncrpc4j/internal/transport"
	"github.com/ArtMk/oncrpc4j/internal/xdr"
)

// isLocalhost restricts SET/UNSET to loopback clients, per the
// long-standing portmapper convention that only the local host may alter
// registrations (nothing in RFC 1833 mandates this, but every mainstream
// rpcbind implementation enforces it).
func isLocalhost(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// NewProgramHandler builds the dispatch.ProgramHandler for portmap v2
// backed by registry, wiring it the same way any other program registers
// with a dispatch.Dispatcher (section 4.6).
func NewProgramHandler(registry *Registry) *dispatch.ProgramHandler {
	return &dispatch.ProgramHandler{
		Procedures: map[uint32]dispatch.ProcedureHandler{
			ProcNull:    handleNull,
			ProcSet:     handleSet(registry),
			ProcUnset:   handleUnset(registry),
			ProcGetport: handleGetport(registry),
			ProcDump:    handleDump(registry),
		},
	}
}

func handleNull(_ context.Context, _ *dispatch.Request) dispatch.Result {
	return dispatch.Result{Status: rpc.Success}
}

func handleSet(registry *Registry) dispatch.ProcedureHandler {
	return func(_ context.Context, req *dispatch.Request) dispatch.Result {
		if !isLocalhost(req.ClientAddr) {
			body, err := EncodeBool(false)
			if err != nil {
				return dispatch.Result{Status: rpc.SystemErr}
			}
			return dispatch.Result{Status: rpc.Success, Body: body}
		}
		m, err := DecodeMapping(req.Args)
		if err != nil {
			return dispatch.Result{Status: rpc.GarbageArgs}
		}
		body, err := EncodeBool(registry.Set(m))
		if err != nil {
			return dispatch.Result{Status: rpc.SystemErr}
		}
		return dispatch.Result{Status: rpc.Success, Body: body}
	}
}

func handleUnset(registry *Registry) dispatch.ProcedureHandler {
	return func(_ context.Context, req *dispatch.Request) dispatch.Result {
		if !isLocalhost(req.ClientAddr) {
			body, err := EncodeBool(false)
			if err != nil {
				return dispatch.Result{Status: rpc.SystemErr}
			}
			return dispatch.Result{Status: rpc.Success, Body: body}
		}
		m, err := DecodeMapping(req.Args)
		if err != nil {
			return dispatch.Result{Status: rpc.GarbageArgs}
		}
		body, err := EncodeBool(registry.Unset(m.Prog, m.Vers, m.Prot))
		if err != nil {
			return dispatch.Result{Status: rpc.SystemErr}
		}
		return dispatch.Result{Status: rpc.Success, Body: body}
	}
}

func handleGetport(registry *Registry) dispatch.ProcedureHandler {
	return func(_ context.Context, req *dispatch.Request) dispatch.Result {
		m, err := DecodeMapping(req.Args)
		if err != nil {
			return dispatch.Result{Status: rpc.GarbageArgs}
		}
		body, err := EncodeUint32Reply(registry.Getport(m.Prog, m.Vers, m.Prot))
		if err != nil {
			return dispatch.Result{Status: rpc.SystemErr}
		}
		return dispatch.Result{Status: rpc.Success, Body: body}
	}
}

func handleDump(registry *Registry) dispatch.ProcedureHandler {
	return func(_ context.Context, _ *dispatch.Request) dispatch.Result {
		body, err := EncodeDumpResponse(registry.Dump())
		if err != nil {
			return dispatch.Result{Status: rpc.SystemErr}
		}
		return dispatch.Result{Status: rpc.Success, Body: body}
	}
}

// Server is an embedded portmapper: a Registry exposed over TCP and UDP
// through the shared framing/dispatch stack, for modules that would
// rather not depend on a system rpcbind.
type Server struct {
	registry   *Registry
	dispatcher *dispatch.Dispatcher
	transport  *transport.NetTransport
	maxRecord  int
}

// NewServer returns a Server backed by registry, dispatching through its
// own single-program Dispatcher.
func NewServer(registry *Registry) *Server {
	d := dispatch.NewDispatcher()
	d.Register(ProgramPortmap, Version2, NewProgramHandler(registry))
	return &Server{
		registry:   registry,
		dispatcher: d,
		transport:  transport.NewNetTransport(8),
		maxRecord:  framing.DefaultMaxRecordSize,
	}
}

// Start binds tcpAddr/udpAddr (":111" and "127.0.0.1:111" are typical) and
// begins serving portmap calls.
func (s *Server) Start(tcpAddr, udpAddr string) error {
	return s.transport.Start(tcpAddr, udpAddr, s.handleConn, s.handleDatagram)
}

// Stop shuts down the listeners. It stops the transport with a zero
// timeout, so it returns without waiting for in-flight calls to finish.
func (s *Server) Stop() {
	s.transport.Stop(0)
}

// TCPAddr returns the bound TCP address, or nil if TCP was not started.
func (s *Server) TCPAddr() net.Addr { return s.transport.TCPAddr() }

// UDPAddr returns the bound UDP address, or nil if UDP was not started.
func (s *Server) UDPAddr() net.Addr { return s.transport.UDPAddr() }

func (s *Server) handleConn(conn transport.Conn) {
	defer conn.Close()
	framer := framing.NewFramer(s.maxRecord)
	for {
		record, err := framer.ReadRecord(connReader{conn})
		if err != nil {
			return
		}
		reply, err := s.processCall(record, conn.RemoteAddr().String())
		if err != nil || reply == nil {
			continue
		}
		if _, err := framing.WriteRecord(connWriter{conn}, reply, len(reply)); err != nil {
			return
		}
	}
}

func (s *Server) handleDatagram(data []byte, addr net.Addr) {
	reply, err := s.processCall(data, addr.String())
	if err != nil || reply == nil {
		return
	}
	_, _ = s.transport.WriteUDP(reply, addr)
}

func (s *Server) processCall(record []byte, clientAddr string) ([]byte, error) {
	dec := xdr.NewDecodingStream(record)
	hdr, err := rpc.DecodeCallHeader(dec)
	if err != nil {
		return nil, err
	}
	if hdr.RPCVersion != rpc.RPCVersion {
		return rpc.MakeRPCMismatchReply(hdr.Xid)
	}
	args, err := dec.DecodeOpaqueFixed(dec.Remaining())
	if err != nil {
		return nil, err
	}

	var cred *rpc.UnixAuth
	switch hdr.Credential.Flavor {
	case rpc.AuthNone:
	case rpc.AuthSys:
		cred, err = rpc.ParseUnixAuth(hdr.Credential.Body)
		if err != nil {
			return rpc.MakeAuthErrorReply(hdr.Xid, rpc.AuthBadCred)
		}
	default:
		return rpc.MakeAuthErrorReply(hdr.Xid, rpc.AuthBadCred)
	}

	return s.dispatcher.Dispatch(context.Background(), hdr, args, clientAddr, cred, rpc.OpaqueAuth{Flavor: rpc.AuthNone})
}

// connReader/connWriter adapt transport.Conn to io.Reader/io.Writer for
// framing.ReadRecord/WriteRecord.
type connReader struct{ transport.Conn }
type connWriter struct{ transport.Conn }

func (r connReader) Read(p []byte) (int, error)  { return r.Conn.Read(p) }
func (w connWriter) Write(p []byte) (int, error) { return w.Conn.Write(p) }
