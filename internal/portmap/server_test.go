package portmap

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArtMk/oncrpc4j/internal/rpc"
	"github.com/ArtMk/oncrpc4j/internal/rpc/framing"
	"github.com/ArtMk/oncrpc4j/internal/xdr"
)

func newTestServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	registry := NewRegistry()
	server := NewServer(registry)
	require.NoError(t, server.Start("", "127.0.0.1:0"))
	t.Cleanup(server.Stop)

	client := NewClient(server.UDPAddr().String(), 2*time.Second)
	return server, client
}

func TestServer_SetGetportRoundTrip(t *testing.T) {
	_, client := newTestServer(t)

	ok, err := client.Set(Mapping{Prog: 100003, Vers: 3, Prot: ProtoTCP, Port: 2049})
	require.NoError(t, err)
	assert.True(t, ok)

	port, err := client.Getport(100003, 3, ProtoTCP)
	require.NoError(t, err)
	assert.Equal(t, uint32(2049), port)
}

func TestServer_UnsetRemovesMapping(t *testing.T) {
	_, client := newTestServer(t)

	_, err := client.Set(Mapping{Prog: 100003, Vers: 3, Prot: ProtoTCP, Port: 2049})
	require.NoError(t, err)

	ok, err := client.Unset(100003, 3, ProtoTCP)
	require.NoError(t, err)
	assert.True(t, ok)

	port, err := client.Getport(100003, 3, ProtoTCP)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), port)
}

func TestServer_DumpListsRegistrations(t *testing.T) {
	_, client := newTestServer(t)

	_, err := client.Set(Mapping{Prog: 100003, Vers: 3, Prot: ProtoTCP, Port: 2049})
	require.NoError(t, err)
	_, err = client.Set(Mapping{Prog: 100005, Vers: 3, Prot: ProtoTCP, Port: 2049})
	require.NoError(t, err)

	mappings, err := client.Dump()
	require.NoError(t, err)
	assert.Len(t, mappings, 2)
}

func TestServer_RegisterAllThenGetport(t *testing.T) {
	_, client := newTestServer(t)

	err := client.RegisterAll([]Registration{
		{Program: 100003, Version: 3, TCPPort: 2049, UDPPort: 2049},
	})
	require.NoError(t, err)

	port, err := client.Getport(100003, 3, ProtoUDP)
	require.NoError(t, err)
	assert.Equal(t, uint32(2049), port)
}

func TestServer_UnknownAuthFlavor_AuthBadCred(t *testing.T) {
	registry := NewRegistry()
	server := NewServer(registry)
	require.NoError(t, server.Start("127.0.0.1:0", ""))
	t.Cleanup(server.Stop)

	conn, err := net.DialTimeout("tcp", server.TCPAddr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	call, err := rpc.EncodeCall(1, ProgramPortmap, Version2, ProcNull, rpc.OpaqueAuth{Flavor: rpc.AuthDES}, rpc.OpaqueAuth{Flavor: rpc.AuthNone}, nil)
	require.NoError(t, err)
	_, err = framing.WriteRecord(conn, call, len(call))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	framer := framing.NewFramer(framing.DefaultMaxRecordSize)
	reply, err := framer.ReadRecord(conn)
	require.NoError(t, err)

	d := xdr.NewDecodingStream(reply)
	_, _ = d.DecodeUint32() // xid
	_, _ = d.DecodeUint32() // msg_type
	replyStat, err := d.DecodeUint32()
	require.NoError(t, err)
	require.Equal(t, rpc.MsgDenied, replyStat)
	rejectStat, err := d.DecodeUint32()
	require.NoError(t, err)
	require.Equal(t, rpc.AuthError, rejectStat)
	why, err := d.DecodeUint32()
	require.NoError(t, err)
	assert.Equal(t, rpc.AuthBadCred, why)
}

type fakeRegistrationRecorder struct {
	outcomes []string
}

func (f *fakeRegistrationRecorder) RecordPortmapRegistration(protocol string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	f.outcomes = append(f.outcomes, protocol+"/"+result)
}

func TestClient_RegisterAll_ReportsMetrics(t *testing.T) {
	_, client := newTestServer(t)
	rec := &fakeRegistrationRecorder{}
	client.SetMetrics(rec)

	err := client.RegisterAll([]Registration{
		{Program: 100003, Version: 3, TCPPort: 2049, UDPPort: 2049},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tcp/success", "udp/success"}, rec.outcomes)
}
