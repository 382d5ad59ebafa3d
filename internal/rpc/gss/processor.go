package gss

import (
	"fmt"
	"sync"
	"time"

	"github.com/jcmturner/gokrb5/v8/types"
)

// Result is the outcome of processing one RPCSEC_GSS call.
//
// For INIT/CONTINUE_INIT (IsControl true), GSSReply holds the
// already-encoded control reply; for DESTROY (also IsControl) it is empty,
// as the DESTROY reply carries no body. For DATA (IsControl false),
// ProcessedData holds the unwrapped procedure arguments and Principal /
// Realm identify the caller for whatever authorization the dispatcher
// layer performs.
type Result struct {
	ProcessedData []byte
	Principal     string
	Realm         string

	GSSReply      []byte
	ReplyVerifier []byte
	IsControl     bool

	// SilentDiscard is true when RFC 2203 Section 5.3.3.1 requires the
	// request to be dropped without any reply (replay / out-of-window
	// sequence number).
	SilentDiscard bool

	SeqNum     uint32
	Service    uint32
	SessionKey types.EncryptionKey

	HasAcceptorSubkey bool

	Err      error
	AuthStat uint32
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithMetrics attaches a Metrics collector to the processor.
func WithMetrics(m *Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithSeqWindowSize overrides the sliding sequence window size advertised
// on INIT (DefaultSeqWindowSize otherwise). Per the documented floor, n
// below 32 is raised to 32.
func WithSeqWindowSize(n int) ProcessorOption {
	return func(p *Processor) {
		if n < 32 {
			n = 32
		}
		p.seqWindowSize = n
	}
}

// Processor drives the RPCSEC_GSS context lifecycle: INIT/CONTINUE_INIT
// establish a context, DATA validates and unwraps a call body against an
// established context, DESTROY tears one down. It sits in front of the
// dispatcher (section 4.5's auth pipeline) and never itself decides
// whether a principal is authorized for a procedure — that is left to
// the caller via Principal/Realm on a DATA Result.
type Processor struct {
	contexts      *ContextStore
	mu            sync.RWMutex
	verifier      Verifier
	metrics       *Metrics
	seqWindowSize int
}

// NewProcessor returns a Processor backed by verifier, evicting idle
// contexts after contextTTL (0 disables eviction) and capping concurrent
// contexts at maxContexts (0 is unlimited).
func NewProcessor(verifier Verifier, maxContexts int, contextTTL time.Duration, opts ...ProcessorOption) *Processor {
	p := &Processor{
		contexts:      NewContextStore(maxContexts, contextTTL),
		verifier:      verifier,
		seqWindowSize: DefaultSeqWindowSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process decodes the RPCSEC_GSS credential and routes to the handler for
// its gss_proc.
func (p *Processor) Process(credBody, verifBody, requestBody []byte) *Result {
	cred, err := DecodeGSSCred(credBody)
	if err != nil {
		return &Result{Err: fmt.Errorf("gss: decode credential: %w", err)}
	}

	switch cred.GSSProc {
	case RPCGSSInit, RPCGSSContinueInit:
		return p.handleInit(cred, requestBody)
	case RPCGSSData:
		return p.handleData(cred, verifBody, requestBody)
	case RPCGSSDestroy:
		return p.handleDestroy(cred)
	default:
		return &Result{Err: fmt.Errorf("gss: unknown RPCSEC_GSS procedure: %d", cred.GSSProc)}
	}
}

func (p *Processor) handleInit(cred *RPCGSSCredV1, requestBody []byte) *Result {
	start := time.Now()

	p.mu.RLock()
	verifier := p.verifier
	p.mu.RUnlock()

	if verifier == nil {
		return &Result{IsControl: true, Err: fmt.Errorf("gss: no verifier configured")}
	}

	gssToken, err := decodeOpaqueToken(requestBody)
	if err != nil {
		p.metrics.recordContextCreation(false)
		p.metrics.recordAuthFailure("credential_problem")
		p.metrics.recordInitDuration(time.Since(start))
		return &Result{IsControl: true, Err: fmt.Errorf("gss: decode init arg: %w", err)}
	}

	verified, err := verifier.VerifyToken(gssToken)
	if err != nil {
		p.metrics.recordContextCreation(false)
		p.metrics.recordAuthFailure("credential_problem")
		p.metrics.recordInitDuration(time.Since(start))

		errRes, encErr := EncodeGSSInitRes(&RPCGSSInitRes{GSSMajor: GSSDefectiveCredential})
		if encErr != nil {
			return &Result{IsControl: true, Err: fmt.Errorf("gss: encode error response: %w", encErr)}
		}
		return &Result{GSSReply: errRes, IsControl: true, Err: fmt.Errorf("gss: INIT failed: %w", err)}
	}

	handle, err := generateHandle()
	if err != nil {
		return &Result{IsControl: true, Err: fmt.Errorf("gss: generate context handle: %w", err)}
	}

	now := time.Now()
	ctx := &GSSContext{
		Handle:     handle,
		Principal:  verified.Principal,
		Realm:      verified.Realm,
		SessionKey: verified.SessionKey,
		SeqWindow:  NewSeqWindow(uint32(p.seqWindowSize)),
		Service:    cred.Service,
		CreatedAt:  now,
		LastUsed:   now,
	}

	// Context must be stored before the reply leaves, or the client's
	// first DATA call can race the reply and find no context.
	if !p.contexts.Store(ctx) {
		p.metrics.recordContextCreation(false)
		p.metrics.recordInitDuration(time.Since(start))
		return &Result{IsControl: true, Err: fmt.Errorf("gss: context store at capacity")}
	}

	resBytes, err := EncodeGSSInitRes(&RPCGSSInitRes{
		Handle:    handle,
		GSSMajor:  GSSComplete,
		SeqWindow: uint32(p.seqWindowSize),
		GSSToken:  verified.APRepToken,
	})
	if err != nil {
		return &Result{IsControl: true, Err: fmt.Errorf("gss: encode init response: %w", err)}
	}

	p.metrics.recordContextCreation(true)
	p.metrics.recordInitDuration(time.Since(start))

	return &Result{
		GSSReply:          resBytes,
		IsControl:         true,
		SeqNum:            cred.SeqNum,
		Service:           cred.Service,
		SessionKey:        verified.SessionKey,
		HasAcceptorSubkey: verified.HasAcceptorSubkey,
	}
}

func (p *Processor) handleData(cred *RPCGSSCredV1, verifBody, requestBody []byte) *Result {
	start := time.Now()

	ctx, found := p.contexts.Lookup(cred.Handle)
	if !found {
		p.metrics.recordAuthFailure("context_problem")
		return &Result{Err: fmt.Errorf("gss: RPCSEC_GSS_CREDPROBLEM: context not found"), AuthStat: AuthStatCredProblem}
	}

	if cred.SeqNum >= MAXSEQ {
		p.contexts.Delete(cred.Handle)
		p.metrics.recordAuthFailure("context_problem")
		return &Result{Err: fmt.Errorf("gss: RPCSEC_GSS_CTXPROBLEM: sequence number exceeds MAXSEQ"), AuthStat: AuthStatCtxProblem}
	}

	if !ctx.SeqWindow.Accept(cred.SeqNum) {
		p.metrics.recordAuthFailure("sequence_violation")
		return &Result{SilentDiscard: true}
	}

	var processedData []byte
	switch cred.Service {
	case RPCGSSSvcNone:
		processedData = requestBody
	case RPCGSSSvcIntegrity:
		args, _, err := UnwrapIntegrity(ctx.SessionKey, cred.SeqNum, requestBody)
		if err != nil {
			p.metrics.recordAuthFailure("integrity_failure")
			return &Result{Err: fmt.Errorf("gss: integrity unwrap failed: %w", err)}
		}
		processedData = args
	case RPCGSSSvcPrivacy:
		args, _, err := UnwrapPrivacy(ctx.SessionKey, cred.SeqNum, requestBody)
		if err != nil {
			p.metrics.recordAuthFailure("privacy_failure")
			return &Result{Err: fmt.Errorf("gss: privacy unwrap failed: %w", err)}
		}
		processedData = args
	default:
		return &Result{Err: fmt.Errorf("gss: unknown RPCSEC_GSS service level: %d", cred.Service)}
	}

	p.metrics.recordDataRequest(serviceLevelName(cred.Service), time.Since(start))

	return &Result{
		ProcessedData: processedData,
		Principal:     ctx.Principal,
		Realm:         ctx.Realm,
		IsControl:     false,
		SeqNum:        cred.SeqNum,
		Service:       cred.Service,
		SessionKey:    ctx.SessionKey,
	}
}

func (p *Processor) handleDestroy(cred *RPCGSSCredV1) *Result {
	start := time.Now()

	_, found := p.contexts.Lookup(cred.Handle)
	p.contexts.Delete(cred.Handle)

	if found {
		p.metrics.recordContextDestruction()
	}
	p.metrics.recordDestroyDuration(time.Since(start))

	return &Result{IsControl: true, SeqNum: cred.SeqNum, Service: cred.Service}
}

// Stop releases the processor's background resources (the context
// store's eviction loop). Must be called during server shutdown.
func (p *Processor) Stop() { p.contexts.Stop() }

// ContextCount returns the number of live GSS contexts.
func (p *Processor) ContextCount() int { return p.contexts.Count() }

// SetVerifier hot-swaps the verifier, e.g. after a keytab rotation.
func (p *Processor) SetVerifier(v Verifier) {
	p.mu.Lock()
	p.verifier = v
	p.mu.Unlock()
}
