// Package portmap implements the portmapper (RFC 1833, program 100000,
// version 2): an in-process Registry mapping (program, version, protocol)
// to port numbers, a server exposing that registry over the RPC stack of
// internal/rpc, and a client that SET/UNSET/GETPORT/DUMPs against it or a
// remote instance to self-register this module's own listeners.
package portmap

// ProgramPortmap is the portmapper RPC program number.
const ProgramPortmap uint32 = 100000

// Version2 is the only defined portmap protocol version.
const Version2 uint32 = 2

// Portmap v2 procedure numbers (RFC 1833 section 3).
const (
	ProcNull    uint32 = 0
	ProcSet     uint32 = 1
	ProcUnset   uint32 = 2
	ProcGetport uint32 = 3
	ProcDump    uint32 = 4
)

// Protocol identifiers, matching IPPROTO_TCP/IPPROTO_UDP.
const (
	ProtoTCP uint32 = 6
	ProtoUDP uint32 = 17
)

// Mapping is one (program, version, protocol) -> port registration.
type Mapping struct {
	Prog uint32
	Vers uint32
	Prot uint32
	Port uint32
}
