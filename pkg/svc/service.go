// Package svc assembles the transport, framing, dispatch, RPCSEC_GSS, and
// portmap self-registration components into a single runnable server,
// grounded on the teacher's NFSAdapter construction/shutdown sequence and
// generalized for an arbitrary set of registered RPC programs.
package svc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ArtMk/oncrpc4j/internal/logger"
	"github.com/ArtMk/oncrpc4j/internal/portmap"
	"github.com/ArtMk/oncrpc4j/internal/rpc"
	"github.com/ArtMk/oncrpc4j/internal/rpc/dispatch"
	"github.com/ArtMk/oncrpc4j/internal/rpc/framing"
	"github.com/ArtMk/oncrpc4j/internal/rpc/gss"
	"github.com/ArtMk/oncrpc4j/internal/transport"
	"github.com/ArtMk/oncrpc4j/internal/xdr"
	"github.com/ArtMk/oncrpc4j/pkg/config"
	"github.com/ArtMk/oncrpc4j/pkg/metrics"
)

// DefaultPortmapAddr is the conventional rpcbind UDP address this module
// self-registers against unless told otherwise.
const DefaultPortmapAddr = "127.0.0.1:111"

// Option configures a Service at construction.
type Option func(*Service)

// WithVerifier attaches the Kerberos token verifier used for RPCSEC_GSS
// context establishment. RPCSEC_GSS is served only when
// cfg.GSSSessionManagerEnabled is set; otherwise calls carrying
// AUTH_RPCSECGSS credentials are rejected with AUTH_FAILED whether or not
// a verifier is attached. With the flag set but no verifier (from this
// option or a later SetVerifier call), INIT calls are rejected with
// AUTH_FAILED.
func WithVerifier(v gss.Verifier) Option {
	return func(s *Service) { s.verifier = v }
}

// WithPrometheusRegisterer overrides the Prometheus registerer metrics are
// installed into. Ignored unless cfg.MetricsEnabled is true.
func WithPrometheusRegisterer(r prometheus.Registerer) Option {
	return func(s *Service) { s.registerer = r }
}

// WithPortmapAddr overrides the portmapper address self-registration talks
// to. Defaults to DefaultPortmapAddr.
func WithPortmapAddr(addr string) Option {
	return func(s *Service) { s.portmapAddr = addr }
}

// Service owns one RPC program's (or several co-hosted programs')
// transport, dispatch table, and optional RPCSEC_GSS and portmap
// self-registration, per the external interfaces enumerated in section 6.
// Construction mirrors the teacher's OncRpcSvc/NFSAdapter split: a builder
// phase (Register) followed by an explicit Start that only returns once
// the listeners are bound, followed by a graceful Stop.
type Service struct {
	cfg config.ServiceConfig

	dispatcher *dispatch.Dispatcher
	transport  *transport.NetTransport

	verifier     gss.Verifier
	gssProcessor *gss.Processor

	registerer  prometheus.Registerer
	metrics     *metrics.Collector
	portmapAddr string

	mu   sync.Mutex
	regs []portmap.Registration
}

// New validates cfg and returns a Service ready for Register calls. It
// does not bind any socket; call Start for that.
func New(cfg config.ServiceConfig, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:         cfg,
		dispatcher:  dispatch.NewDispatcher(),
		transport:   transport.NewNetTransport(cfg.WorkerThreadCount),
		portmapAddr: DefaultPortmapAddr,
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.MetricsEnabled {
		s.metrics = metrics.New(s.registerer)
		s.dispatcher.SetMetrics(s.metrics)
	}

	if cfg.GSSSessionManagerEnabled {
		gssOpts := []gss.ProcessorOption{gss.WithSeqWindowSize(cfg.SeqWindowSize)}
		if cfg.MetricsEnabled {
			gssOpts = append(gssOpts, gss.WithMetrics(gss.NewMetrics(s.registerer)))
		}
		s.gssProcessor = gss.NewProcessor(s.verifier, 0, cfg.GSSContextTTL, gssOpts...)
	}

	return s, nil
}

// Register installs handler for (program, version), per section 4.6, and
// records it as a candidate for portmap self-registration once the
// service starts.
func (s *Service) Register(program, version uint32, handler *dispatch.ProgramHandler) {
	s.dispatcher.Register(program, version, handler)
}

// Unregister removes a (program, version) registration.
func (s *Service) Unregister(program, version uint32) {
	s.dispatcher.Unregister(program, version)
}

// SetVerifier hot-swaps the RPCSEC_GSS verifier, e.g. after a keytab
// rotation. A no-op if GSS is not enabled.
func (s *Service) SetVerifier(v gss.Verifier) {
	s.verifier = v
	if s.gssProcessor != nil {
		s.gssProcessor.SetVerifier(v)
	}
}

// Start binds the configured port/port_range under the configured
// protocol(s), begins serving, and — if PublishToPortmap is set —
// self-registers every bound (program, version, protocol) with the
// portmapper. It returns once the listener(s) are bound, never racing a
// background accept loop.
func (s *Service) Start() error {
	tcpAddr, udpAddr, err := s.bindAddrs()
	if err != nil {
		return err
	}

	if err := s.transport.Start(tcpAddr, udpAddr, s.handleConn, s.handleDatagram); err != nil {
		return fmt.Errorf("svc: start transport: %w", err)
	}

	logger.Info("oncrpc service started", "name", s.cfg.ServiceName,
		"tcp", addrString(s.transport.TCPAddr()), "udp", addrString(s.transport.UDPAddr()))

	if s.cfg.PublishToPortmap {
		if err := s.publishToPortmap(); err != nil {
			logger.Warn("portmap self-registration failed", "error", err)
		}
	}
	return nil
}

// Stop initiates graceful shutdown: it deregisters from the portmapper,
// stops the transport (waiting up to cfg.ShutdownTimeout for in-flight
// handlers), and releases the RPCSEC_GSS context store's background
// eviction goroutine, mirroring the teacher's NFSAdapter.Stop sequence.
func (s *Service) Stop() {
	if s.cfg.PublishToPortmap {
		s.mu.Lock()
		regs := s.regs
		s.mu.Unlock()
		if len(regs) > 0 {
			client := portmap.NewClient(s.portmapAddr, 2*time.Second)
			if err := client.DeregisterAll(regs); err != nil {
				logger.Warn("portmap deregistration failed", "error", err)
			}
		}
	}

	s.transport.Stop(s.cfg.ShutdownTimeout)

	if s.gssProcessor != nil {
		s.gssProcessor.Stop()
	}

	logger.Info("oncrpc service stopped", "name", s.cfg.ServiceName)
}

// TCPAddr returns the bound TCP address, or nil if TCP was not started.
func (s *Service) TCPAddr() net.Addr { return s.transport.TCPAddr() }

// UDPAddr returns the bound UDP address, or nil if UDP was not started.
func (s *Service) UDPAddr() net.Addr { return s.transport.UDPAddr() }

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func (s *Service) bindAddrs() (tcpAddr, udpAddr string, err error) {
	addr, err := s.listenAddr()
	if err != nil {
		return "", "", err
	}
	switch s.cfg.Protocol {
	case config.ProtocolTCP:
		return addr, "", nil
	case config.ProtocolUDP:
		return "", addr, nil
	default:
		return addr, addr, nil
	}
}

// listenAddr resolves cfg.Port/PortRange to a single bindable host:port.
// A range is honored by probing from its low end; the RFC 5665 universal
// address advertised to the portmapper reflects whatever port is actually
// bound.
func (s *Service) listenAddr() (string, error) {
	if s.cfg.Port != 0 {
		return fmt.Sprintf(":%d", s.cfg.Port), nil
	}
	low, high, err := parsePortRange(s.cfg.PortRange)
	if err != nil {
		return "", err
	}
	for p := low; p <= high; p++ {
		addr := fmt.Sprintf(":%d", p)
		if portFree(addr) {
			return addr, nil
		}
	}
	return "", fmt.Errorf("svc: no free port in range %s", s.cfg.PortRange)
}

func parsePortRange(r string) (low, high int, err error) {
	if _, err := fmt.Sscanf(r, "%d-%d", &low, &high); err != nil {
		return 0, 0, fmt.Errorf("svc: invalid port_range %q: %w", r, err)
	}
	if low <= 0 || high < low || high > 65535 {
		return 0, 0, fmt.Errorf("svc: invalid port_range %q", r)
	}
	return low, high, nil
}

func portFree(addr string) bool {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

func (s *Service) publishToPortmap() error {
	client := portmap.NewClient(s.portmapAddr, 2*time.Second)
	if s.metrics != nil {
		client.SetMetrics(s.metrics)
	}

	regs := s.buildRegistrations()
	if err := client.RegisterAll(regs); err != nil {
		return err
	}

	s.mu.Lock()
	s.regs = regs
	s.mu.Unlock()
	return nil
}

func (s *Service) buildRegistrations() []portmap.Registration {
	tcpPort := portNumber(s.transport.TCPAddr())
	udpPort := portNumber(s.transport.UDPAddr())

	var regs []portmap.Registration
	for _, pv := range s.dispatcher.RegisteredPrograms() {
		regs = append(regs, portmap.Registration{
			Program: pv.Program,
			Version: pv.Version,
			TCPPort: tcpPort,
			UDPPort: udpPort,
		})
	}
	return regs
}

func portNumber(a net.Addr) int {
	if a == nil {
		return 0
	}
	_, portStr, err := net.SplitHostPort(a.String())
	if err != nil {
		return 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port
}

func (s *Service) handleConn(conn transport.Conn) {
	defer conn.Close()
	framer := framing.NewFramer(s.cfg.MaxRecordSize)
	for {
		record, err := framer.ReadRecord(connReader{conn})
		if err != nil {
			return
		}
		reply, err := s.processCall(record, conn.RemoteAddr().String())
		if err != nil {
			logger.Debug("oncrpc call processing failed", "error", err, "remote", conn.RemoteAddr())
			continue
		}
		if reply == nil {
			continue
		}
		if _, err := framing.WriteRecord(connWriter{conn}, reply, len(reply)); err != nil {
			return
		}
	}
}

func (s *Service) handleDatagram(data []byte, addr net.Addr) {
	reply, err := s.processCall(data, addr.String())
	if err != nil {
		logger.Debug("oncrpc call processing failed", "error", err, "remote", addr)
		return
	}
	if reply == nil {
		return
	}
	_, _ = s.transport.WriteUDP(reply, addr)
}

// processCall decodes one RPC message, runs the auth pipeline (section
// 4.5) ahead of the dispatcher, and returns the fully encoded reply. A nil
// reply with a nil error means RFC 2203 Section 5.3.3.1's silent-discard
// case: no reply is ever sent.
func (s *Service) processCall(record []byte, clientAddr string) ([]byte, error) {
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

	switch hdr.Credential.Flavor {
	case rpc.AuthRPCSecGSS:
		return s.processGSSCall(hdr, args, clientAddr)
	case rpc.AuthNone:
		return s.dispatcher.Dispatch(context.Background(), hdr, args, clientAddr, nil, rpc.OpaqueAuth{Flavor: rpc.AuthNone})
	case rpc.AuthSys:
		cred, err := rpc.ParseUnixAuth(hdr.Credential.Body)
		if err != nil {
			return rpc.MakeAuthErrorReply(hdr.Xid, rpc.AuthBadCred)
		}
		return s.dispatcher.Dispatch(context.Background(), hdr, args, clientAddr, cred, rpc.OpaqueAuth{Flavor: rpc.AuthNone})
	default:
		return rpc.MakeAuthErrorReply(hdr.Xid, rpc.AuthBadCred)
	}
}

func (s *Service) processGSSCall(hdr *rpc.CallHeader, args []byte, clientAddr string) ([]byte, error) {
	if s.gssProcessor == nil {
		return rpc.MakeAuthErrorReply(hdr.Xid, rpc.AuthFailed)
	}

	result := s.gssProcessor.Process(hdr.Credential.Body, hdr.Verifier.Body, args)
	if result.SilentDiscard {
		return nil, nil
	}

	if result.IsControl {
		return s.encodeGSSControlReply(hdr.Xid, result)
	}

	if result.Err != nil {
		if result.AuthStat != 0 {
			return rpc.MakeAuthErrorReply(hdr.Xid, result.AuthStat)
		}
		return rpc.MakeErrorReply(hdr.Xid, rpc.SystemErr)
	}

	status, body, low, high := s.dispatcher.Invoke(context.Background(), hdr, result.ProcessedData, clientAddr, nil)
	switch status {
	case rpc.ProgUnavail:
		return rpc.MakeErrorReply(hdr.Xid, rpc.ProgUnavail)
	case rpc.ProgMismatch:
		return rpc.MakeProgMismatchReply(hdr.Xid, low, high)
	case rpc.Success:
		return s.encodeGSSDataReply(hdr.Xid, result, body)
	default:
		return rpc.MakeErrorReply(hdr.Xid, status)
	}
}

func (s *Service) encodeGSSControlReply(xid uint32, result *gss.Result) ([]byte, error) {
	if result.Err != nil && result.GSSReply == nil {
		return rpc.MakeAuthErrorReply(xid, rpc.AuthFailed)
	}

	verifier := rpc.OpaqueAuth{Flavor: rpc.AuthNone}
	if len(result.SessionKey.KeyValue) > 0 {
		mic, err := gss.ComputeInitVerifier(result.SessionKey, uint32(s.cfg.SeqWindowSize), result.HasAcceptorSubkey)
		if err != nil {
			return nil, err
		}
		verifier = gss.WrapReplyVerifier(mic)
	}
	return rpc.MakeSuccessReply(xid, verifier, result.GSSReply)
}

func (s *Service) encodeGSSDataReply(xid uint32, result *gss.Result, body []byte) ([]byte, error) {
	mic, err := gss.ComputeReplyVerifier(result.SessionKey, result.SeqNum)
	if err != nil {
		return nil, err
	}
	verifier := gss.WrapReplyVerifier(mic)

	switch result.Service {
	case gss.RPCGSSSvcIntegrity:
		wrapped, err := gss.WrapIntegrity(result.SessionKey, result.SeqNum, body)
		if err != nil {
			return nil, err
		}
		return rpc.MakeSuccessReply(xid, verifier, wrapped)
	case gss.RPCGSSSvcPrivacy:
		wrapped, err := gss.WrapPrivacy(result.SessionKey, result.SeqNum, body)
		if err != nil {
			return nil, err
		}
		return rpc.MakeSuccessReply(xid, verifier, wrapped)
	default:
		return rpc.MakeSuccessReply(xid, verifier, body)
	}
}

// connReader/connWriter adapt transport.Conn to io.Reader/io.Writer for
// framing.ReadRecord/WriteRecord.
type connReader struct{ transport.Conn }
type connWriter struct{ transport.Conn }

func (r connReader) Read(p []byte) (int, error)  { return r.Conn.Read(p) }
func (w connWriter) Write(p []byte) (int, error) { return w.Conn.Write(p) }
