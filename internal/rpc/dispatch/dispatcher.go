// Package dispatch routes decoded RPC calls to registered program handlers
// by (program, version, procedure) and encodes the resulting reply, per the
// lookup algorithm of section 4.6.
package dispatch

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ArtMk/oncrpc4j/internal/rpc"
)

// MetricsRecorder receives per-call and per-registration observations. Its
// sole implementation is pkg/metrics.Collector; this interface lets the
// package depend on a narrow contract instead of Prometheus types directly.
type MetricsRecorder interface {
	RecordCall(program, procedure, acceptStat string, d time.Duration)
	SetProgramsRegistered(n int)
}

// ProgramKey identifies a registered RPC program by number and version.
type ProgramKey struct {
	Program uint32
	Version uint32
}

// Request is handed to a ProcedureHandler with the call header already
// decoded and any authentication unwrapping (AUTH_SYS parsing, RPCSEC_GSS
// unwrap) already applied to Args. Cred is the parsed AUTH_SYS identity when
// the call carried that flavor, nil otherwise (AUTH_NONE, or RPCSEC_GSS
// whose identity lives in the GSS context instead).
type Request struct {
	Header     *rpc.CallHeader
	Args       []byte
	ClientAddr string
	Cred       *rpc.UnixAuth
}

// Result is what a ProcedureHandler returns: an accept_stat and, for
// Success, the XDR-encoded reply body.
type Result struct {
	Status uint32
	Body   []byte
}

// ProcedureHandler implements a single RPC procedure.
type ProcedureHandler func(ctx context.Context, req *Request) Result

// ProgramHandler groups the procedures of one (program, version)
// registration.
type ProgramHandler struct {
	Procedures map[uint32]ProcedureHandler
}

// Dispatcher maintains the registration map ProgramKey -> ProgramHandler
// and implements the lookup algorithm of section 4.6. Its registration
// table is a sync.Map: reads never block a writer and a writer's store is
// a single atomic pointer swap, matching the "lock-free reads, atomic
// writes" requirement of section 5 without the dispatcher itself holding
// any handler-side lock across a call.
type Dispatcher struct {
	programs sync.Map // ProgramKey -> *ProgramHandler
	count    atomic.Int64
	metrics  MetricsRecorder
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// SetMetrics attaches a MetricsRecorder; subsequent Register/Unregister and
// Dispatch calls report to it. Passing nil disables reporting.
func (d *Dispatcher) SetMetrics(m MetricsRecorder) {
	d.metrics = m
}

// Register installs a handler for (program, version). Registering the same
// key again replaces the prior handler atomically.
func (d *Dispatcher) Register(program, version uint32, handler *ProgramHandler) {
	_, existed := d.programs.Swap(ProgramKey{Program: program, Version: version}, handler)
	if !existed {
		d.reportCount(d.count.Add(1))
	}
}

// Unregister removes a (program, version) registration.
func (d *Dispatcher) Unregister(program, version uint32) {
	_, existed := d.programs.LoadAndDelete(ProgramKey{Program: program, Version: version})
	if existed {
		d.reportCount(d.count.Add(-1))
	}
}

func (d *Dispatcher) reportCount(n int64) {
	if d.metrics != nil {
		d.metrics.SetProgramsRegistered(int(n))
	}
}

// registeredVersions returns the sorted set of versions registered for
// program, used to build a PROG_MISMATCH (low, high) pair.
func (d *Dispatcher) registeredVersions(program uint32) []uint32 {
	var versions []uint32
	d.programs.Range(func(key, _ any) bool {
		pk := key.(ProgramKey)
		if pk.Program == program {
			versions = append(versions, pk.Version)
		}
		return true
	})
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions
}

// RegisteredPrograms returns every currently registered (program, version)
// key, for callers that need to enumerate registrations — e.g. to build a
// portmapper self-registration list.
func (d *Dispatcher) RegisteredPrograms() []ProgramKey {
	var keys []ProgramKey
	d.programs.Range(func(key, _ any) bool {
		keys = append(keys, key.(ProgramKey))
		return true
	})
	return keys
}

// Invoke implements the lookup-and-invoke algorithm of section 4.6 without
// encoding a reply: it is Dispatch's first half, exposed separately so a
// caller that must transform a successful Body before it is framed as a
// reply (e.g. an RPCSEC_GSS integrity/privacy wrap) can do so between
// invocation and encoding. low/high are only meaningful when status is
// ProgMismatch. argBytes is the raw bytes following the call header, with
// any RPCSEC_GSS unwrap already applied by the caller. cred is the parsed
// AUTH_SYS credential when the caller's auth pipeline accepted that flavor,
// nil otherwise.
func (d *Dispatcher) Invoke(ctx context.Context, hdr *rpc.CallHeader, argBytes []byte, clientAddr string, cred *rpc.UnixAuth) (status uint32, body []byte, low, high uint32) {
	start := time.Now()
	program := strconv.FormatUint(uint64(hdr.Program), 10)
	procedure := strconv.FormatUint(uint64(hdr.Procedure), 10)
	record := func(status uint32) {
		if d.metrics != nil {
			d.metrics.RecordCall(program, procedure, strconv.FormatUint(uint64(status), 10), time.Since(start))
		}
	}

	versions := d.registeredVersions(hdr.Program)
	if len(versions) == 0 {
		record(rpc.ProgUnavail)
		return rpc.ProgUnavail, nil, 0, 0
	}

	v, ok := d.programs.Load(ProgramKey{Program: hdr.Program, Version: hdr.Version})
	if !ok {
		low, high = versions[0], versions[len(versions)-1]
		record(rpc.ProgMismatch)
		return rpc.ProgMismatch, nil, low, high
	}
	handler := v.(*ProgramHandler)

	proc, ok := handler.Procedures[hdr.Procedure]
	if !ok {
		record(rpc.ProcUnavail)
		return rpc.ProcUnavail, nil, 0, 0
	}

	result := proc(ctx, &Request{Header: hdr, Args: argBytes, ClientAddr: clientAddr, Cred: cred})
	record(result.Status)
	return result.Status, result.Body, 0, 0
}

// Dispatch implements the full lookup-and-invoke algorithm of section 4.6
// and returns the complete, already-encoded reply body (sans transport
// framing). argBytes is the raw bytes following the call header — with any
// RPCSEC_GSS unwrap already applied by the caller — cred is the parsed
// AUTH_SYS credential (nil unless the caller's auth pipeline accepted that
// flavor), and verifier is the reply verifier to encode (AUTH_NONE unless a
// GSS session computed a MIC).
func (d *Dispatcher) Dispatch(ctx context.Context, hdr *rpc.CallHeader, argBytes []byte, clientAddr string, cred *rpc.UnixAuth, verifier rpc.OpaqueAuth) ([]byte, error) {
	status, body, low, high := d.Invoke(ctx, hdr, argBytes, clientAddr, cred)
	switch status {
	case rpc.ProgUnavail:
		return rpc.MakeErrorReply(hdr.Xid, rpc.ProgUnavail)
	case rpc.ProgMismatch:
		return rpc.MakeProgMismatchReply(hdr.Xid, low, high)
	case rpc.Success:
		return rpc.MakeSuccessReply(hdr.Xid, verifier, body)
	default:
		return rpc.MakeErrorReply(hdr.Xid, status)
	}
}
