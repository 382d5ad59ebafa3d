package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenTCP_AcceptWriteReadRoundTrip(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := conn.Read(buf); err != nil {
			done <- err
			return
		}
		_, err = conn.Write(buf)
		done <- err
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	reply := make([]byte, 5)
	_, err = client.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(reply))
	require.NoError(t, <-done)
}

func TestListenUDP_ReadFromWriteToRoundTrip(t *testing.T) {
	server, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.WriteTo([]byte("ping"), server.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, addr, err := server.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	_, err = server.WriteTo([]byte("pong"), addr)
	require.NoError(t, err)

	reply := make([]byte, 16)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err = client.ReadFromUDP(reply)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(reply[:n]))
}

func TestNetTransport_ReadThreadCount(t *testing.T) {
	nt := NewNetTransport(4)
	assert.Equal(t, 4, nt.ReadThreadCount())
	nt.SetReadThreadCount(8)
	assert.Equal(t, 8, nt.ReadThreadCount())
}

func TestNetTransport_StartAcceptsConnections(t *testing.T) {
	nt := NewNetTransport(2)
	handled := make(chan struct{}, 1)

	require.NoError(t, nt.Start("127.0.0.1:0", "", func(c Conn) {
		defer c.Close()
		handled <- struct{}{}
	}, nil))
	defer nt.Stop(time.Second)

	client, err := net.Dial("tcp", nt.TCPAddr().String())
	require.NoError(t, err)
	defer client.Close()

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection handler")
	}
}

func TestNetTransport_StartHandlesDatagrams(t *testing.T) {
	nt := NewNetTransport(1)
	received := make(chan string, 1)

	require.NoError(t, nt.Start("", "127.0.0.1:0", nil, func(data []byte, addr net.Addr) {
		received <- string(data)
		_, _ = nt.WriteUDP([]byte("ack"), addr)
	}))
	defer nt.Stop(time.Second)

	client, err := net.Dial("udp", nt.UDPAddr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram handler")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := make([]byte, 16)
	n, err := client.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, "ack", string(reply[:n]))
}

func TestNetTransport_StartRequiresAtLeastOneAddress(t *testing.T) {
	nt := NewNetTransport(1)
	err := nt.Start("", "", func(Conn) {}, nil)
	require.Error(t, err)
}
