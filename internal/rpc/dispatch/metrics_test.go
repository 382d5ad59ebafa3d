package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/ArtMk/oncrpc4j/internal/rpc"
	"github.com/stretchr/testify/assert"
)

type fakeRecorder struct {
	calls    []string
	programs int
}

func (f *fakeRecorder) RecordCall(program, procedure, acceptStat string, d time.Duration) {
	f.calls = append(f.calls, program+"/"+procedure+"/"+acceptStat)
}

func (f *fakeRecorder) SetProgramsRegistered(n int) {
	f.programs = n
}

func TestDispatcher_SetMetrics_TracksRegistrationCount(t *testing.T) {
	d := NewDispatcher()
	rec := &fakeRecorder{}
	d.SetMetrics(rec)

	d.Register(100000, 2, &ProgramHandler{Procedures: map[uint32]ProcedureHandler{}})
	assert.Equal(t, 1, rec.programs)

	d.Register(100000, 2, &ProgramHandler{Procedures: map[uint32]ProcedureHandler{}})
	assert.Equal(t, 1, rec.programs, "re-registering the same key must not double-count")

	d.Register(100001, 1, &ProgramHandler{Procedures: map[uint32]ProcedureHandler{}})
	assert.Equal(t, 2, rec.programs)

	d.Unregister(100000, 2)
	assert.Equal(t, 1, rec.programs)

	d.Unregister(100000, 2)
	assert.Equal(t, 1, rec.programs, "unregistering an absent key must not undercount")
}

func TestDispatcher_SetMetrics_RecordsCallOutcome(t *testing.T) {
	d := NewDispatcher()
	rec := &fakeRecorder{}
	d.SetMetrics(rec)
	d.Register(100000, 2, &ProgramHandler{Procedures: map[uint32]ProcedureHandler{
		0: func(ctx context.Context, req *Request) Result { return Result{Status: rpc.Success} },
	}})

	hdr := &rpc.CallHeader{Xid: 1, Program: 100000, Version: 2, Procedure: 0}
	_, err := d.Dispatch(context.Background(), hdr, nil, "1.2.3.4", nil, rpc.OpaqueAuth{Flavor: rpc.AuthNone})
	assert.NoError(t, err)
	assert.Equal(t, []string{"100000/0/0"}, rec.calls)
}
