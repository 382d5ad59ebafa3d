package rpc

import (
	"testing"
	"time"

	"github.com/ArtMk/oncrpc4j/internal/xdr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validUnixAuth() *UnixAuth {
	return &UnixAuth{
		Stamp:       uint32(time.Now().Unix()),
		MachineName: "testhost",
		UID:         1000,
		GID:         1000,
		GIDs:        []uint32{4, 24, 27, 30},
	}
}

func TestParseUnixAuth_RoundTrip(t *testing.T) {
	original := validUnixAuth()
	body, err := EncodeUnixAuth(original)
	require.NoError(t, err)

	parsed, err := ParseUnixAuth(body)
	require.NoError(t, err)
	assert.Equal(t, original.Stamp, parsed.Stamp)
	assert.Equal(t, original.MachineName, parsed.MachineName)
	assert.Equal(t, original.UID, parsed.UID)
	assert.Equal(t, original.GID, parsed.GID)
	assert.Equal(t, original.GIDs, parsed.GIDs)
}

func TestParseUnixAuth_RootCredentials(t *testing.T) {
	auth := &UnixAuth{Stamp: 1, MachineName: "testhost", GIDs: []uint32{}}
	body, err := EncodeUnixAuth(auth)
	require.NoError(t, err)

	parsed, err := ParseUnixAuth(body)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), parsed.UID)
	assert.Equal(t, uint32(0), parsed.GID)
	assert.Empty(t, parsed.GIDs)
}

func TestParseUnixAuth_RejectsExcessiveGroups(t *testing.T) {
	s := xdr.NewEncodingStream()
	require.NoError(t, s.EncodeUint32(12345))
	require.NoError(t, s.EncodeString("testhost"))
	require.NoError(t, s.EncodeUint32(1000))
	require.NoError(t, s.EncodeUint32(1000))
	require.NoError(t, s.EncodeUint32(17))
	body := s.EndEncoding()

	_, err := ParseUnixAuth(body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many gids")
}

func TestParseUnixAuth_RejectsLongMachineName(t *testing.T) {
	s := xdr.NewEncodingStream()
	require.NoError(t, s.EncodeUint32(12345))
	require.NoError(t, s.EncodeUint32(256))
	body := s.EndEncoding()

	_, err := ParseUnixAuth(body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "machine name too long")
}

func TestParseUnixAuth_RejectsEmptyBody(t *testing.T) {
	_, err := ParseUnixAuth([]byte{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestMakeProgMismatchReply(t *testing.T) {
	xid := uint32(0x12345678)
	reply, err := MakeProgMismatchReply(xid, 3, 3)
	require.NoError(t, err)
	require.NotEmpty(t, reply)

	d := xdr.NewDecodingStream(reply)
	gotXid, err := d.DecodeUint32()
	require.NoError(t, err)
	assert.Equal(t, xid, gotXid)

	msgType, err := d.DecodeUint32()
	require.NoError(t, err)
	assert.Equal(t, Reply, msgType)

	replyStat, err := d.DecodeUint32()
	require.NoError(t, err)
	assert.Equal(t, MsgAccepted, replyStat)
}

func TestMakeProgMismatchReply_RejectsInvalidRange(t *testing.T) {
	_, err := MakeProgMismatchReply(0x1234, 5, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid version range")
}

func TestMakeRPCMismatchReply(t *testing.T) {
	reply, err := MakeRPCMismatchReply(42)
	require.NoError(t, err)

	d := xdr.NewDecodingStream(reply)
	_, _ = d.DecodeUint32() // xid
	_, _ = d.DecodeUint32() // msg_type
	replyStat, _ := d.DecodeUint32()
	assert.Equal(t, MsgDenied, replyStat)
	rejectStat, _ := d.DecodeUint32()
	assert.Equal(t, RPCMismatch, rejectStat)
	low, _ := d.DecodeUint32()
	high, _ := d.DecodeUint32()
	assert.Equal(t, uint32(2), low)
	assert.Equal(t, uint32(2), high)
}

func TestCallHeaderRoundTrip(t *testing.T) {
	s := xdr.NewEncodingStream()
	require.NoError(t, s.EncodeUint32(99))
	require.NoError(t, s.EncodeUint32(Call))
	require.NoError(t, s.EncodeUint32(RPCVersion))
	require.NoError(t, s.EncodeUint32(100000))
	require.NoError(t, s.EncodeUint32(2))
	require.NoError(t, s.EncodeUint32(3))
	require.NoError(t, s.EncodeUint32(AuthNone))
	require.NoError(t, s.EncodeOpaque(nil))
	require.NoError(t, s.EncodeUint32(AuthNone))
	require.NoError(t, s.EncodeOpaque(nil))
	encoded := s.EndEncoding()

	d := xdr.NewDecodingStream(encoded)
	hdr, err := DecodeCallHeader(d)
	require.NoError(t, err)
	assert.Equal(t, uint32(99), hdr.Xid)
	assert.Equal(t, uint32(100000), hdr.Program)
	assert.Equal(t, uint32(2), hdr.Version)
	assert.Equal(t, uint32(3), hdr.Procedure)
}
