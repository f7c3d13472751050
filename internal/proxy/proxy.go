// Package proxy is the gateway's request path: it authenticates an
// allowance key, runs preflight enforcement, forwards the call upstream with
// the owner's real credential and settles the reservation against measured
// usage.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/alecgard/tollgate/internal/agent"
	"github.com/alecgard/tollgate/internal/auth"
	"github.com/alecgard/tollgate/internal/enforce"
	"github.com/alecgard/tollgate/internal/idempotency"
	"github.com/alecgard/tollgate/internal/policy"
)

// Response headers set by the gateway.
const (
	HeaderAgentID       = "X-Tollgate-Agent-Id"
	HeaderCostCents     = "X-Tollgate-Cost-Cents"
	HeaderBalanceCents  = "X-Tollgate-Balance-Cents"
	HeaderReservedCents = "X-Tollgate-Reserved-Cents"
	HeaderReplay        = "X-Idempotent-Replay"
)

// KeyHasher turns a presented allowance key into its lookup hash.
type KeyHasher interface {
	Hash(plaintext string) string
}

// KeyResolver maps a key hash to an agent id.
type KeyResolver interface {
	Resolve(ctx context.Context, keyHash string) (string, error)
}

// PolicySource returns the live policy snapshot for a key.
type PolicySource interface {
	Get(ctx context.Context, keyHash, agentID string) (*policy.Snapshot, error)
}

// Enforcer runs preflight rules and can undo a reservation.
type Enforcer interface {
	Preflight(ctx context.Context, snap *policy.Snapshot, req enforce.Request) (*enforce.Reservation, error)
	Release(ctx context.Context, snap *policy.Snapshot, res *enforce.Reservation) error
}

// Settler reconciles a reservation after the upstream call.
type Settler interface {
	Settle(ctx context.Context, st enforce.Settlement) enforce.Outcome
}

// IdempotencyStore deduplicates retried requests.
type IdempotencyStore interface {
	Begin(ctx context.Context, agentID, token string) (idempotency.Outcome, *idempotency.Response, error)
	Complete(ctx context.Context, agentID, token string, resp idempotency.Response) error
	Release(ctx context.Context, agentID, token string) error
}

// CredentialStore returns a user's encrypted provider credential. It
// returns agent.ErrNotFound when none is configured.
type CredentialStore interface {
	ProviderCredential(ctx context.Context, userID string) (string, error)
}

// CredentialOpener decrypts a credential blob bound to its owner.
type CredentialOpener interface {
	Open(blob, owner string) (string, error)
}

// MetricsRecorder is an optional interface for recording proxy-level metrics.
type MetricsRecorder interface {
	IncRequests(outcome string)
	ObserveUpstreamDuration(stream bool, seconds float64)
	IncActiveStreams()
	DecActiveStreams()
	IncUpstreamError(kind string)
}

// Options holds the handler's tunables.
type Options struct {
	UpstreamURL    string
	Timeout        time.Duration // whole-exchange timeout for non-stream calls; 0 means none
	MaxRequestSize int64
	SettleTimeout  time.Duration
}

// Handler proxies completion calls to the upstream provider.
type Handler struct {
	hasher      KeyHasher
	resolver    KeyResolver
	policies    PolicySource
	enforcer    Enforcer
	settler     Settler
	idem        IdempotencyStore
	credentials CredentialStore
	opener      CredentialOpener
	notifier    enforce.Notifier
	metrics     MetricsRecorder

	client *http.Client
	opts   Options
}

// Deps groups the handler's collaborators.
type Deps struct {
	Hasher      KeyHasher
	Resolver    KeyResolver
	Policies    PolicySource
	Enforcer    Enforcer
	Settler     Settler
	Idempotency IdempotencyStore
	Credentials CredentialStore
	Opener      CredentialOpener
	Notifier    enforce.Notifier // optional
}

// NewHandler creates a new proxy handler.
func NewHandler(deps Deps, opts Options) *Handler {
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = 5 * time.Second
	}
	if opts.MaxRequestSize <= 0 {
		opts.MaxRequestSize = 4 << 20
	}
	opts.UpstreamURL = strings.TrimRight(opts.UpstreamURL, "/")
	return &Handler{
		hasher:      deps.Hasher,
		resolver:    deps.Resolver,
		policies:    deps.Policies,
		enforcer:    deps.Enforcer,
		settler:     deps.Settler,
		idem:        deps.Idempotency,
		credentials: deps.Credentials,
		opener:      deps.Opener,
		notifier:    deps.Notifier,
		// Streams can outlive any fixed client timeout; non-stream calls get
		// a deadline on their request context instead.
		client: &http.Client{},
		opts:   opts,
	}
}

// SetMetrics sets the optional metrics recorder.
func (h *Handler) SetMetrics(m MetricsRecorder) {
	h.metrics = m
}

// exchange carries one request's state through the pipeline.
type exchange struct {
	requestID string
	snap      *policy.Snapshot
	payload   *Payload
	res       *enforce.Reservation
	token     string // idempotency token, empty when absent
	admitted  bool   // this request owns the idempotency marker
}

// ServeHTTP handles proxy requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	outcome := h.serve(w, r)
	if h.metrics != nil {
		h.metrics.IncRequests(outcome)
	}
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) string {
	ctx := r.Context()

	key := auth.ExtractBearer(r)
	if key == "" {
		writeError(w, http.StatusUnauthorized, codeMissingKey, "missing allowance key")
		return codeMissingKey
	}
	keyHash := h.hasher.Hash(key)

	agentID, err := h.resolver.Resolve(ctx, keyHash)
	if errors.Is(err, auth.ErrInvalidKey) {
		writeError(w, http.StatusUnauthorized, codeInvalidKey, "invalid or revoked allowance key")
		return codeInvalidKey
	}
	if err != nil {
		return writeInfraError(w, "resolve_key", err)
	}

	snap, err := h.policies.Get(ctx, keyHash, agentID)
	if errors.Is(err, policy.ErrAgentNotFound) {
		writeError(w, http.StatusForbidden, codeInvalidAgent, "agent not found")
		return codeInvalidAgent
	}
	if err != nil {
		return writeInfraError(w, "load_policy", err)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.opts.MaxRequestSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "failed to read request body")
		return codeInvalidRequest
	}
	if int64(len(body)) > h.opts.MaxRequestSize {
		writeError(w, http.StatusRequestEntityTooLarge, codeRequestTooLarge, "request body too large")
		return codeRequestTooLarge
	}
	payload, err := parsePayload(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return codeInvalidRequest
	}

	ex := &exchange{
		requestID: middleware.GetReqID(ctx),
		snap:      snap,
		payload:   payload,
		token:     r.Header.Get(idempotency.HeaderName),
	}
	if ex.requestID == "" {
		ex.requestID = uuid.New().String()
	}

	if ex.token != "" {
		if len(ex.token) > idempotency.MaxTokenLength {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "idempotency key too long")
			return codeInvalidRequest
		}
		state, stored, err := h.idem.Begin(ctx, agentID, ex.token)
		if err != nil {
			return writeInfraError(w, "idempotency_begin", err)
		}
		switch state {
		case idempotency.Replay:
			writeReplay(w, stored)
			return "replay"
		case idempotency.InFlight:
			writeError(w, http.StatusConflict, codeIdempotencyInFlight, "a request with this idempotency key is in progress")
			return codeIdempotencyInFlight
		}
		ex.admitted = true
	}

	return h.enforceAndForward(w, r, ex)
}

// enforceAndForward runs once the request owns its idempotency token, if it
// has one. Every early return gives the token back.
func (h *Handler) enforceAndForward(w http.ResponseWriter, r *http.Request, ex *exchange) string {
	ctx := r.Context()
	done := false
	defer func() {
		if !done {
			h.releaseToken(ex)
		}
	}()

	res, err := h.enforcer.Preflight(ctx, ex.snap, enforce.Request{
		Model:     ex.payload.Model,
		Prompt:    ex.payload.Prompt,
		MaxTokens: ex.payload.MaxTokens,
	})
	var rej *enforce.Rejection
	if errors.As(err, &rej) {
		if rej.Code != enforce.CodeKeyFrozen && h.notifier != nil {
			h.notifier.Notify(ex.snap, rej.Event, rej.Message)
		}
		writeError(w, rej.Status, rej.Code, rej.Message)
		return rej.Code
	}
	if err != nil {
		return writeInfraError(w, "preflight", err)
	}
	ex.res = res

	// The credential is only needed once the request is allowed to spend.
	providerKey, code := h.providerKey(ctx, w, ex.snap)
	if code != "" {
		h.release(ex)
		return code
	}

	outBody, err := ex.payload.outboundBody()
	if err != nil {
		h.release(ex)
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return codeInvalidRequest
	}

	upstreamCtx := ctx
	if !ex.payload.Stream && h.opts.Timeout > 0 {
		var cancel context.CancelFunc
		upstreamCtx, cancel = context.WithTimeout(ctx, h.opts.Timeout)
		defer cancel()
	}
	outReq, err := h.buildRequest(upstreamCtx, r, outBody, providerKey)
	if err != nil {
		h.release(ex)
		writeError(w, http.StatusBadGateway, codeUpstream, "failed to build upstream request")
		return codeUpstream
	}

	start := time.Now()
	resp, err := h.client.Do(outReq)
	if err != nil {
		if h.metrics != nil {
			h.metrics.IncUpstreamError(classifyUpstreamError(err))
		}
		slog.Warn("upstream request failed",
			"agent_id", ex.snap.AgentID,
			"request_id", ex.requestID,
			"error", err,
		)
		h.release(ex)
		writeError(w, http.StatusBadGateway, codeUpstream, "upstream request failed")
		return codeUpstream
	}
	defer resp.Body.Close()

	if isEventStream(resp) {
		h.forwardStream(w, ex, resp, start)
		return "ok"
	}
	done = h.forwardBody(w, ex, resp, start)
	return "ok"
}

// providerKey fetches and decrypts the owner's upstream credential. It
// writes the error response itself and reports its code when it fails.
func (h *Handler) providerKey(ctx context.Context, w http.ResponseWriter, snap *policy.Snapshot) (string, string) {
	blob, err := h.credentials.ProviderCredential(ctx, snap.UserID)
	if errors.Is(err, agent.ErrNotFound) || (err == nil && blob == "") {
		writeError(w, http.StatusBadRequest, codeMissingProviderKey, "the agent's owner has not configured a provider key")
		return "", codeMissingProviderKey
	}
	if err != nil {
		return "", writeInfraError(w, "provider_credential", err)
	}
	key, err := h.opener.Open(blob, snap.UserID)
	if err != nil {
		slog.Error("provider credential unusable", "user_id", snap.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, codeDecryptFailed, "provider key could not be decrypted")
		return "", codeDecryptFailed
	}
	return key, ""
}

// hopHeaders are not forwarded upstream. Accept-Encoding is dropped so the
// transport negotiates compression itself and hands back a decoded body.
var hopHeaders = map[string]bool{
	"Authorization":       true,
	"Host":                true,
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
	"Accept-Encoding":     true,
	"Idempotency-Key":     true,
}

func (h *Handler) buildRequest(ctx context.Context, r *http.Request, body []byte, providerKey string) (*http.Request, error) {
	target := h.opts.UpstreamURL + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	outReq, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for key, values := range r.Header {
		if hopHeaders[key] {
			continue
		}
		for _, v := range values {
			outReq.Header.Add(key, v)
		}
	}
	outReq.Header.Set("Authorization", "Bearer "+providerKey)
	return outReq, nil
}

func isEventStream(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

// forwardBody relays a whole-body response. It reports whether the
// idempotency token was settled (completed) here.
func (h *Handler) forwardBody(w http.ResponseWriter, ex *exchange, resp *http.Response, start time.Time) bool {
	body, readErr := io.ReadAll(resp.Body)
	if h.metrics != nil {
		h.metrics.ObserveUpstreamDuration(false, time.Since(start).Seconds())
	}

	var usage enforce.Usage
	if readErr == nil {
		usage = parseUsage(body)
	}
	out := h.settle(ex, usage, resp.StatusCode, false)

	if readErr != nil {
		if h.metrics != nil {
			h.metrics.IncUpstreamError(classifyUpstreamError(readErr))
		}
		slog.Warn("reading upstream body failed", "agent_id", ex.snap.AgentID, "request_id", ex.requestID, "error", readErr)
		writeError(w, http.StatusBadGateway, codeUpstream, "upstream response was interrupted")
		return false
	}

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set(HeaderAgentID, ex.snap.AgentID)
	w.Header().Set(HeaderCostCents, strconv.FormatInt(out.ActualCents, 10))
	w.Header().Set(HeaderBalanceCents, strconv.FormatInt(out.BalanceCents, 10))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)

	// Server errors are worth retrying, so they are not pinned to the token.
	if !ex.admitted || resp.StatusCode >= http.StatusInternalServerError {
		return false
	}
	ctx, cancel := h.detached()
	defer cancel()
	stored := idempotency.Response{
		Status: resp.StatusCode,
		Header: replayHeaders(w.Header()),
		Body:   body,
	}
	if err := h.idem.Complete(ctx, ex.snap.AgentID, ex.token, stored); err != nil {
		slog.Warn("storing idempotent response failed", "agent_id", ex.snap.AgentID, "error", err)
		return false
	}
	return true
}

// forwardStream relays an SSE response chunk by chunk while a tee feeds the
// usage observer. A client write error stops forwarding; the reservation is
// still settled with whatever usage was seen.
func (h *Handler) forwardStream(w http.ResponseWriter, ex *exchange, resp *http.Response, start time.Time) {
	if h.metrics != nil {
		h.metrics.IncActiveStreams()
		defer h.metrics.DecActiveStreams()
	}

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set(HeaderAgentID, ex.snap.AgentID)
	w.Header().Set(HeaderReservedCents, strconv.FormatInt(ex.res.ReserveCents, 10))
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	observer := NewUsageObserver()
	src := io.TeeReader(resp.Body, observer.Writer())
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				slog.Info("client left mid-stream", "agent_id", ex.snap.AgentID, "request_id", ex.requestID)
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("upstream stream ended with error", "agent_id", ex.snap.AgentID, "request_id", ex.requestID, "error", err)
				if h.metrics != nil {
					h.metrics.IncUpstreamError(classifyUpstreamError(err))
				}
			}
			break
		}
	}
	_ = observer.Close()
	usage := observer.Wait()

	if h.metrics != nil {
		h.metrics.ObserveUpstreamDuration(true, time.Since(start).Seconds())
	}
	h.settle(ex, usage, resp.StatusCode, true)
}

func (h *Handler) settle(ex *exchange, usage enforce.Usage, status int, stream bool) enforce.Outcome {
	ctx, cancel := h.detached()
	defer cancel()
	return h.settler.Settle(ctx, enforce.Settlement{
		Snapshot:    ex.snap,
		Reservation: ex.res,
		Model:       ex.payload.Model,
		RequestID:   ex.requestID,
		Usage:       usage,
		StatusCode:  status,
		Stream:      stream,
	})
}

// release refunds a reservation whose call never produced a response.
func (h *Handler) release(ex *exchange) {
	ctx, cancel := h.detached()
	defer cancel()
	if err := h.enforcer.Release(ctx, ex.snap, ex.res); err != nil {
		slog.Error("releasing reservation failed",
			"agent_id", ex.snap.AgentID,
			"reservation_id", ex.res.ID,
			"error", err,
		)
	}
}

func (h *Handler) releaseToken(ex *exchange) {
	if !ex.admitted {
		return
	}
	ctx, cancel := h.detached()
	defer cancel()
	if err := h.idem.Release(ctx, ex.snap.AgentID, ex.token); err != nil {
		slog.Warn("releasing idempotency key failed", "agent_id", ex.snap.AgentID, "error", err)
	}
}

// detached returns a context that survives the client going away, bounded
// by the settle timeout.
func (h *Handler) detached() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.opts.SettleTimeout)
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopHeaders[key] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// replayed is the header subset stored with an idempotent response.
var replayed = []string{"Content-Type", HeaderAgentID, HeaderCostCents, HeaderBalanceCents}

func replayHeaders(h http.Header) http.Header {
	out := http.Header{}
	for _, k := range replayed {
		if v := h.Values(k); len(v) > 0 {
			out[k] = append([]string(nil), v...)
		}
	}
	return out
}

func writeReplay(w http.ResponseWriter, stored *idempotency.Response) {
	for k, v := range stored.Header {
		w.Header()[k] = v
	}
	w.Header().Set(HeaderReplay, "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write(stored.Body)
}
