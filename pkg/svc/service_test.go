package svc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArtMk/oncrpc4j/internal/portmap"
	"github.com/ArtMk/oncrpc4j/internal/rpc"
	"github.com/ArtMk/oncrpc4j/internal/rpc/dispatch"
	"github.com/ArtMk/oncrpc4j/internal/rpc/framing"
	"github.com/ArtMk/oncrpc4j/internal/xdr"
	"github.com/ArtMk/oncrpc4j/pkg/config"
)

func echoHandler() *dispatch.ProgramHandler {
	return &dispatch.ProgramHandler{
		Procedures: map[uint32]dispatch.ProcedureHandler{
			1: func(ctx context.Context, req *dispatch.Request) dispatch.Result {
				return dispatch.Result{Status: rpc.Success, Body: req.Args}
			},
		},
	}
}

func testConfig(t *testing.T) config.ServiceConfig {
	t.Helper()
	c := config.DefaultServiceConfig()
	c.ServiceName = "test-svc"
	c.PortRange = "31000-31100"
	c.PublishToPortmap = false
	return c
}

func decodeSuccessBody(t *testing.T, reply []byte) []byte {
	t.Helper()
	d := xdr.NewDecodingStream(reply)
	_, err := d.DecodeUint32() // xid
	require.NoError(t, err)
	_, err = d.DecodeUint32() // msg_type
	require.NoError(t, err)
	replyStat, err := d.DecodeUint32()
	require.NoError(t, err)
	require.Equal(t, rpc.MsgAccepted, replyStat)
	_, err = d.DecodeUint32() // verifier flavor
	require.NoError(t, err)
	_, err = d.DecodeOpaque() // verifier body
	require.NoError(t, err)
	stat, err := d.DecodeUint32()
	require.NoError(t, err)
	require.Equal(t, rpc.Success, stat)
	body, err := d.DecodeOpaqueFixed(d.Remaining())
	require.NoError(t, err)
	return body
}

func encodeTestCall(t *testing.T, xid, program, version, procedure uint32, args []byte) []byte {
	t.Helper()
	call, err := rpc.EncodeCall(xid, program, version, procedure, rpc.OpaqueAuth{Flavor: rpc.AuthNone}, rpc.OpaqueAuth{Flavor: rpc.AuthNone}, args)
	require.NoError(t, err)
	return call
}

func encodeTestCallWithCred(t *testing.T, xid, program, version, procedure uint32, args []byte, cred rpc.OpaqueAuth) []byte {
	t.Helper()
	call, err := rpc.EncodeCall(xid, program, version, procedure, cred, rpc.OpaqueAuth{Flavor: rpc.AuthNone}, args)
	require.NoError(t, err)
	return call
}

func decodeDeniedRejectStat(t *testing.T, reply []byte) (rejectStat, why uint32) {
	t.Helper()
	d := xdr.NewDecodingStream(reply)
	_, err := d.DecodeUint32() // xid
	require.NoError(t, err)
	_, err = d.DecodeUint32() // msg_type
	require.NoError(t, err)
	replyStat, err := d.DecodeUint32()
	require.NoError(t, err)
	require.Equal(t, rpc.MsgDenied, replyStat)
	rejectStat, err = d.DecodeUint32()
	require.NoError(t, err)
	require.Equal(t, rpc.AuthError, rejectStat)
	why, err = d.DecodeUint32()
	require.NoError(t, err)
	return rejectStat, why
}

func TestNew_InvalidConfig_ReturnsError(t *testing.T) {
	_, err := New(config.ServiceConfig{})
	assert.Error(t, err)
}

func TestService_TCPRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg)
	require.NoError(t, err)
	s.Register(100111, 1, echoHandler())

	require.NoError(t, s.Start())
	defer s.Stop()

	require.NotNil(t, s.TCPAddr())
	require.NotNil(t, s.UDPAddr())

	conn, err := net.DialTimeout("tcp", s.TCPAddr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	call := encodeTestCall(t, 42, 100111, 1, 1, []byte("ping"))
	_, err = framing.WriteRecord(conn, call, len(call))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	framer := framing.NewFramer(cfg.MaxRecordSize)
	reply, err := framer.ReadRecord(conn)
	require.NoError(t, err)

	assert.Equal(t, []byte("ping"), decodeSuccessBody(t, reply))
}

func TestService_UDPRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg)
	require.NoError(t, err)
	s.Register(100112, 1, echoHandler())

	require.NoError(t, s.Start())
	defer s.Stop()

	conn, err := net.DialTimeout("udp", s.UDPAddr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	call := encodeTestCall(t, 7, 100112, 1, 1, []byte("pong"))
	_, err = conn.Write(call)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	assert.Equal(t, []byte("pong"), decodeSuccessBody(t, buf[:n]))
}

func TestService_ProgUnavail(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()

	conn, err := net.DialTimeout("tcp", s.TCPAddr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	call := encodeTestCall(t, 1, 999999, 1, 0, nil)
	_, err = framing.WriteRecord(conn, call, len(call))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	framer := framing.NewFramer(cfg.MaxRecordSize)
	reply, err := framer.ReadRecord(conn)
	require.NoError(t, err)

	d := xdr.NewDecodingStream(reply)
	_, _ = d.DecodeUint32()
	_, _ = d.DecodeUint32()
	_, _ = d.DecodeUint32()
	_, _ = d.DecodeUint32()
	_, _ = d.DecodeOpaque()
	stat, err := d.DecodeUint32()
	require.NoError(t, err)
	assert.Equal(t, rpc.ProgUnavail, stat)
}

func TestService_UnknownAuthFlavor_AuthBadCred(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg)
	require.NoError(t, err)
	s.Register(100114, 1, echoHandler())

	require.NoError(t, s.Start())
	defer s.Stop()

	conn, err := net.DialTimeout("tcp", s.TCPAddr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	for _, flavor := range []uint32{rpc.AuthShort, rpc.AuthDES, 99} {
		call := encodeTestCallWithCred(t, 10, 100114, 1, 1, []byte("x"), rpc.OpaqueAuth{Flavor: flavor})
		_, err = framing.WriteRecord(conn, call, len(call))
		require.NoError(t, err)

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		framer := framing.NewFramer(cfg.MaxRecordSize)
		reply, err := framer.ReadRecord(conn)
		require.NoError(t, err)

		_, why := decodeDeniedRejectStat(t, reply)
		assert.Equal(t, rpc.AuthBadCred, why, "flavor=%d", flavor)
	}
}

func TestService_AuthSys_AcceptedAndCredentialSurfaced(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg)
	require.NoError(t, err)

	var gotCred *rpc.UnixAuth
	s.Register(100115, 1, &dispatch.ProgramHandler{
		Procedures: map[uint32]dispatch.ProcedureHandler{
			1: func(ctx context.Context, req *dispatch.Request) dispatch.Result {
				gotCred = req.Cred
				return dispatch.Result{Status: rpc.Success, Body: req.Args}
			},
		},
	})

	require.NoError(t, s.Start())
	defer s.Stop()

	conn, err := net.DialTimeout("tcp", s.TCPAddr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	credBody, err := rpc.EncodeUnixAuth(&rpc.UnixAuth{MachineName: "client.example", UID: 1000, GID: 1000, GIDs: []uint32{1000, 4}})
	require.NoError(t, err)
	call := encodeTestCallWithCred(t, 11, 100115, 1, 1, []byte("sys"), rpc.OpaqueAuth{Flavor: rpc.AuthSys, Body: credBody})
	_, err = framing.WriteRecord(conn, call, len(call))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	framer := framing.NewFramer(cfg.MaxRecordSize)
	reply, err := framer.ReadRecord(conn)
	require.NoError(t, err)

	assert.Equal(t, []byte("sys"), decodeSuccessBody(t, reply))
	require.NotNil(t, gotCred)
	assert.Equal(t, uint32(1000), gotCred.UID)
	assert.Equal(t, "client.example", gotCred.MachineName)
}

func TestService_AuthSys_MalformedCredential_AuthBadCred(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg)
	require.NoError(t, err)
	s.Register(100116, 1, echoHandler())

	require.NoError(t, s.Start())
	defer s.Stop()

	conn, err := net.DialTimeout("tcp", s.TCPAddr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	call := encodeTestCallWithCred(t, 12, 100116, 1, 1, []byte("x"), rpc.OpaqueAuth{Flavor: rpc.AuthSys, Body: []byte{0x00}})
	_, err = framing.WriteRecord(conn, call, len(call))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	framer := framing.NewFramer(cfg.MaxRecordSize)
	reply, err := framer.ReadRecord(conn)
	require.NoError(t, err)

	_, why := decodeDeniedRejectStat(t, reply)
	assert.Equal(t, rpc.AuthBadCred, why)
}

func TestService_Stop_Idempotent(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	s.Stop()
	assert.NotPanics(t, func() { s.Stop() })
}

func TestService_PublishToPortmap(t *testing.T) {
	registry := portmap.NewRegistry()
	pm := portmap.NewServer(registry)
	require.NoError(t, pm.Start("", "127.0.0.1:0"))
	defer pm.Stop()

	cfg := testConfig(t)
	cfg.PublishToPortmap = true

	s, err := New(cfg, WithPortmapAddr(pm.UDPAddr().String()))
	require.NoError(t, err)
	s.Register(100113, 2, echoHandler())

	require.NoError(t, s.Start())
	defer s.Stop()

	client := portmap.NewClient(pm.UDPAddr().String(), 2*time.Second)
	port, err := client.Getport(100113, 2, portmap.ProtoTCP)
	require.NoError(t, err)
	assert.NotEqual(t, uint32(0), port)
}
