package gss

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArtMk/oncrpc4j/internal/xdr"
)

type mockVerifier struct {
	vc  *VerifiedContext
	err error
}

func (m *mockVerifier) VerifyToken(gssToken []byte) (*VerifiedContext, error) {
	return m.vc, m.err
}

func encodeInitArg(t *testing.T, token []byte) []byte {
	t.Helper()
	e := xdr.NewEncodingStream()
	require.NoError(t, e.EncodeOpaque(token))
	return e.EndEncoding()
}

func decodeHandleFromInitReply(t *testing.T, reply []byte) []byte {
	t.Helper()
	d := xdr.NewDecodingStream(reply)
	handle, err := d.DecodeOpaque()
	require.NoError(t, err)
	return handle
}

func TestProcessor_InitEstablishesContext(t *testing.T) {
	verifier := &mockVerifier{vc: &VerifiedContext{Principal: "alice", Realm: "EXAMPLE.COM"}}
	p := NewProcessor(verifier, 0, 0)
	defer p.Stop()

	cred := &RPCGSSCredV1{GSSProc: RPCGSSInit, SeqNum: 1, Service: RPCGSSSvcNone}
	credBody, err := EncodeGSSCred(cred)
	require.NoError(t, err)

	result := p.Process(credBody, nil, encodeInitArg(t, []byte{0x01, 0x02, 0x03}))
	require.NoError(t, result.Err)
	assert.True(t, result.IsControl)
	assert.NotEmpty(t, result.GSSReply)
	assert.Equal(t, 1, p.ContextCount())
}

func TestProcessor_InitFailureReturnsDefectiveCredential(t *testing.T) {
	verifier := &mockVerifier{err: errors.New("verification failed")}
	p := NewProcessor(verifier, 0, 0)
	defer p.Stop()

	cred := &RPCGSSCredV1{GSSProc: RPCGSSInit, SeqNum: 1, Service: RPCGSSSvcNone}
	credBody, err := EncodeGSSCred(cred)
	require.NoError(t, err)

	result := p.Process(credBody, nil, encodeInitArg(t, []byte{0x01}))
	require.Error(t, result.Err)
	assert.NotEmpty(t, result.GSSReply)
}

func TestProcessor_DataWithoutContextIsCredProblem(t *testing.T) {
	p := NewProcessor(&mockVerifier{}, 0, 0)
	defer p.Stop()

	cred := &RPCGSSCredV1{GSSProc: RPCGSSData, SeqNum: 1, Service: RPCGSSSvcNone, Handle: []byte{0xFF}}
	credBody, err := EncodeGSSCred(cred)
	require.NoError(t, err)

	result := p.Process(credBody, nil, []byte("args"))
	require.Error(t, result.Err)
	assert.Equal(t, AuthStatCredProblem, result.AuthStat)
}

func TestProcessor_DataSvcNonePassesThroughArgs(t *testing.T) {
	verifier := &mockVerifier{vc: &VerifiedContext{Principal: "bob", Realm: "EXAMPLE.COM"}}
	p := NewProcessor(verifier, 0, 0)
	defer p.Stop()

	initCred := &RPCGSSCredV1{GSSProc: RPCGSSInit, SeqNum: 1, Service: RPCGSSSvcNone}
	initCredBody, _ := EncodeGSSCred(initCred)
	initResult := p.Process(initCredBody, nil, encodeInitArg(t, []byte{0x01}))
	require.NoError(t, initResult.Err)

	handle := decodeHandleFromInitReply(t, initResult.GSSReply)

	dataCred := &RPCGSSCredV1{GSSProc: RPCGSSData, SeqNum: 1, Service: RPCGSSSvcNone, Handle: handle}
	dataCredBody, _ := EncodeGSSCred(dataCred)
	dataResult := p.Process(dataCredBody, nil, []byte("procedure-args"))

	require.NoError(t, dataResult.Err)
	assert.Equal(t, []byte("procedure-args"), dataResult.ProcessedData)
	assert.Equal(t, "bob", dataResult.Principal)
}

func TestProcessor_DataRejectsReplayedSeqNum(t *testing.T) {
	verifier := &mockVerifier{vc: &VerifiedContext{Principal: "bob"}}
	p := NewProcessor(verifier, 0, 0)
	defer p.Stop()

	initCred := &RPCGSSCredV1{GSSProc: RPCGSSInit, SeqNum: 1, Service: RPCGSSSvcNone}
	initCredBody, _ := EncodeGSSCred(initCred)
	initResult := p.Process(initCredBody, nil, encodeInitArg(t, []byte{0x01}))
	require.NoError(t, initResult.Err)
	handle := decodeHandleFromInitReply(t, initResult.GSSReply)

	dataCred := &RPCGSSCredV1{GSSProc: RPCGSSData, SeqNum: 5, Service: RPCGSSSvcNone, Handle: handle}
	dataCredBody, _ := EncodeGSSCred(dataCred)
	require.NoError(t, p.Process(dataCredBody, nil, []byte("first")).Err)

	replay := p.Process(dataCredBody, nil, []byte("replay"))
	assert.True(t, replay.SilentDiscard)
}

func TestProcessor_DestroyRemovesContext(t *testing.T) {
	verifier := &mockVerifier{vc: &VerifiedContext{Principal: "carol"}}
	p := NewProcessor(verifier, 0, 0)
	defer p.Stop()

	initCred := &RPCGSSCredV1{GSSProc: RPCGSSInit, SeqNum: 1, Service: RPCGSSSvcNone}
	initCredBody, _ := EncodeGSSCred(initCred)
	initResult := p.Process(initCredBody, nil, encodeInitArg(t, []byte{0x01}))
	require.NoError(t, initResult.Err)
	handle := decodeHandleFromInitReply(t, initResult.GSSReply)

	destroyCred := &RPCGSSCredV1{GSSProc: RPCGSSDestroy, Handle: handle}
	destroyCredBody, _ := EncodeGSSCred(destroyCred)
	destroyResult := p.Process(destroyCredBody, nil, nil)

	require.NoError(t, destroyResult.Err)
	assert.Equal(t, 0, p.ContextCount())
}
