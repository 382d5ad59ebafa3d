package portmap

import (
	"bytes"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	xdrcodec "github.com/rasky/go-xdr/xdr2"
	"go.uber.org/multierr"

	"github.com/ArtMk/oncrpc4j/internal/rpc"
	"github.com/ArtMk/oncrpc4j/internal/xdr"
)

// Client issues portmap v2 calls (SET/UNSET/GETPORT/DUMP) against a local
// or remote portmapper over UDP, so this module's own listeners can
// self-register without an operator running a separate rpcbind.
//
// Outbound argument marshaling uses rasky/go-xdr's reflection-based
// Marshal rather than internal/xdr: the client's call shapes are a single
// fixed-field struct, and reflection marshal is the idiom the rest of this
// codebase's RPC clients already reach for, with internal/xdr reserved for
// the high-traffic server decode path.
type Client struct {
	addr    string
	timeout time.Duration
	xid     uint32
	metrics RegistrationRecorder
}

// RegistrationRecorder receives the outcome of one SET/UNSET call issued by
// RegisterAll/DeregisterAll. Its sole implementation is pkg/metrics.Collector.
type RegistrationRecorder interface {
	RecordPortmapRegistration(protocol string, success bool)
}

// NewClient returns a Client that dials addr (host:port) for every call.
func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{addr: addr, timeout: timeout}
}

// SetMetrics attaches a RegistrationRecorder; subsequent RegisterAll and
// DeregisterAll calls report their outcomes to it. Passing nil disables
// reporting.
func (c *Client) SetMetrics(m RegistrationRecorder) {
	c.metrics = m
}

func (c *Client) nextXid() uint32 {
	return atomic.AddUint32(&c.xid, 1)
}

// call sends one UDP request carrying argBytes and returns the decoded
// accepted-reply body.
func (c *Client) call(procedure uint32, argBytes []byte) ([]byte, error) {
	conn, err := net.DialTimeout("udp", c.addr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("portmap client: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	xid := c.nextXid()
	msg, err := rpc.EncodeCall(xid, ProgramPortmap, Version2, procedure,
		rpc.OpaqueAuth{Flavor: rpc.AuthNone}, rpc.OpaqueAuth{Flavor: rpc.AuthNone}, argBytes)
	if err != nil {
		return nil, fmt.Errorf("portmap client: encode call: %w", err)
	}

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, err
	}
	if _, err := conn.Write(msg); err != nil {
		return nil, fmt.Errorf("portmap client: write: %w", err)
	}

	buf := make([]byte, 65535)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("portmap client: read: %w", err)
	}

	dec, err := decodeReplyBody(buf[:n])
	if err != nil {
		return nil, err
	}
	if dec.Xid != xid {
		return nil, fmt.Errorf("portmap client: xid mismatch: sent %d, got %d", xid, dec.Xid)
	}
	return dec.Body, nil
}

// replyResult is the minimal decode this client cares about: the accepted
// body, if the call succeeded.
type replyResult struct {
	Xid  uint32
	Body []byte
}

func decodeReplyBody(data []byte) (*replyResult, error) {
	s := xdr.NewDecodingStream(data)
	hdr, err := rpc.DecodeReplyHeader(s)
	if err != nil {
		return nil, err
	}
	if hdr.ReplyStat != rpc.MsgAccepted {
		return nil, fmt.Errorf("portmap client: call denied (reply_stat %d)", hdr.ReplyStat)
	}
	tail, err := rpc.DecodeAcceptedReplyTail(s)
	if err != nil {
		return nil, err
	}
	if tail.AcceptStat != rpc.Success {
		return nil, fmt.Errorf("portmap client: accept_stat %d", tail.AcceptStat)
	}
	return &replyResult{Xid: hdr.Xid, Body: tail.Body}, nil
}

// Set registers (prog, vers, prot) -> port.
func (c *Client) Set(m Mapping) (bool, error) {
	arg, err := marshalMapping(m)
	if err != nil {
		return false, err
	}
	body, err := c.call(ProcSet, arg)
	if err != nil {
		return false, err
	}
	return DecodeBool(body)
}

// Unset removes a registration.
func (c *Client) Unset(prog, vers, prot uint32) (bool, error) {
	arg, err := marshalMapping(Mapping{Prog: prog, Vers: vers, Prot: prot})
	if err != nil {
		return false, err
	}
	body, err := c.call(ProcUnset, arg)
	if err != nil {
		return false, err
	}
	return DecodeBool(body)
}

// Getport looks up a registered port, 0 if none.
func (c *Client) Getport(prog, vers, prot uint32) (uint32, error) {
	arg, err := marshalMapping(Mapping{Prog: prog, Vers: vers, Prot: prot})
	if err != nil {
		return 0, err
	}
	body, err := c.call(ProcGetport, arg)
	if err != nil {
		return 0, err
	}
	return DecodeUint32Reply(body)
}

// Dump lists every registered mapping.
func (c *Client) Dump() ([]Mapping, error) {
	body, err := c.call(ProcDump, nil)
	if err != nil {
		return nil, err
	}
	return DecodeDumpResponse(body)
}

// marshalMapping encodes a mapping argument via reflection-based XDR
// marshal, matching the struct-at-a-time idiom the portmap wire protocol
// was designed around.
func marshalMapping(m Mapping) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdrcodec.Marshal(&buf, m); err != nil {
		return nil, fmt.Errorf("portmap client: marshal mapping: %w", err)
	}
	return buf.Bytes(), nil
}

// Registration names one (program, version) this process wants to
// advertise on every transport it is bound to.
type Registration struct {
	Program  uint32
	Version  uint32
	TCPPort  int
	UDPPort  int
}

// RegisterAll registers every (program, version) in regs against every
// transport it has a nonzero port for, continuing past a single
// registration's failure and aggregating every error encountered with
// multierr rather than aborting the loop — one unreachable protocol must
// not block another's self-registration.
func (c *Client) RegisterAll(regs []Registration) error {
	var errs error
	for _, reg := range regs {
		if reg.TCPPort != 0 {
			_, err := c.Set(Mapping{Prog: reg.Program, Vers: reg.Version, Prot: ProtoTCP, Port: uint32(reg.TCPPort)})
			c.reportOutcome("tcp", err)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("register %d.%d/tcp: %w", reg.Program, reg.Version, err))
			}
		}
		if reg.UDPPort != 0 {
			_, err := c.Set(Mapping{Prog: reg.Program, Vers: reg.Version, Prot: ProtoUDP, Port: uint32(reg.UDPPort)})
			c.reportOutcome("udp", err)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("register %d.%d/udp: %w", reg.Program, reg.Version, err))
			}
		}
	}
	return errs
}

// DeregisterAll removes every registration in regs, aggregating failures
// the same way RegisterAll does. Used during graceful shutdown.
func (c *Client) DeregisterAll(regs []Registration) error {
	var errs error
	for _, reg := range regs {
		if reg.TCPPort != 0 {
			_, err := c.Unset(reg.Program, reg.Version, ProtoTCP)
			c.reportOutcome("tcp", err)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("deregister %d.%d/tcp: %w", reg.Program, reg.Version, err))
			}
		}
		if reg.UDPPort != 0 {
			_, err := c.Unset(reg.Program, reg.Version, ProtoUDP)
			c.reportOutcome("udp", err)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("deregister %d.%d/udp: %w", reg.Program, reg.Version, err))
			}
		}
	}
	return errs
}

func (c *Client) reportOutcome(protocol string, err error) {
	if c.metrics != nil {
		c.metrics.RecordPortmapRegistration(protocol, err == nil)
	}
}
