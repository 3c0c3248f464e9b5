package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/domaindetermine/governance/pkg/auth"
	"github.com/domaindetermine/governance/pkg/eventlog"
	"github.com/domaindetermine/governance/pkg/gate"
	"github.com/domaindetermine/governance/pkg/jobs"
	"github.com/domaindetermine/governance/pkg/lineage"
	"github.com/domaindetermine/governance/pkg/publish"
	"github.com/domaindetermine/governance/pkg/quota"
	"github.com/domaindetermine/governance/pkg/registry"
	"github.com/domaindetermine/governance/pkg/telemetry"
	"github.com/domaindetermine/governance/pkg/version"
	"github.com/domaindetermine/governance/pkg/waiver"
)

// Server wires the governance services into an HTTP/JSON API.
type Server struct {
	reg      *registry.Registry
	graph    *lineage.Graph
	pipeline *publish.Pipeline
	waivers  *waiver.Manager
	gate     *gate.Evaluator
	jobs     *jobs.Service
	quotas   *quota.Manager
	log      eventlog.Log
	logger   *slog.Logger
	tel      *telemetry.Provider
}

// NewServer assembles the API server from its services.
func NewServer(
	reg *registry.Registry,
	graph *lineage.Graph,
	pipeline *publish.Pipeline,
	waivers *waiver.Manager,
	gateEval *gate.Evaluator,
	jobSvc *jobs.Service,
	quotas *quota.Manager,
	log eventlog.Log,
	logger *slog.Logger,
) *Server {
	return &Server{
		reg:      reg,
		graph:    graph,
		pipeline: pipeline,
		waivers:  waivers,
		gate:     gateEval,
		jobs:     jobSvc,
		quotas:   quotas,
		log:      log,
		logger:   logger.With("component", "api"),
	}
}

// WithTelemetry wires the chain-verification counter.
func (s *Server) WithTelemetry(tel *telemetry.Provider) *Server {
	s.tel = tel
	return s
}

// Routes builds the full handler chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	api := http.NewServeMux()
	api.Handle("POST /artifacts",
		RequireRoles(version.RoleMaintainer, version.RoleGovernance)(http.HandlerFunc(s.handlePublish)))
	api.HandleFunc("GET /artifacts/{id}", s.handleGetArtifact)
	api.HandleFunc("GET /artifacts/{id}/payload", s.handleGetPayload)
	api.HandleFunc("GET /artifacts/{id}/lineage", s.handleLineage)
	api.Handle("POST /artifacts/{id}/rollback",
		RequireRoles(version.RoleMaintainer, version.RoleGovernance)(http.HandlerFunc(s.handleRollback)))

	api.HandleFunc("POST /jobs", s.handleEnqueueJob)
	api.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	api.HandleFunc("GET /jobs/{id}/logs", s.handleJobLogs)
	api.HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)

	api.HandleFunc("GET /quotas", s.handleQuotas)
	api.HandleFunc("POST /release/evaluate", s.handleEvaluate)
	api.HandleFunc("GET /events", s.handleEvents)

	api.HandleFunc("POST /waivers", s.handleProposeWaiver)
	api.HandleFunc("GET /waivers/{id}", s.handleGetWaiver)
	api.Handle("POST /waivers/{id}/approve",
		RequireRoles(version.RoleGovernance)(http.HandlerFunc(s.handleApproveWaiver)))
	api.Handle("POST /waivers/{id}/revoke",
		RequireRoles(version.RoleGovernance)(http.HandlerFunc(s.handleRevokeWaiver)))

	// Health endpoints stay public; everything else goes through the
	// audit headers.
	mux.Handle("/", AuditMiddleware(api))

	return auth.RequestIDMiddleware(auth.CORSMiddleware(nil)(mux))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.reg.All(r.Context()); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unready"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type publishRequest struct {
	publish.Proposal
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, r, "")
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "invalid publish request body")
		return
	}
	prop := req.Proposal
	prop.Tenant = id.Tenant
	prop.Payload = req.Payload
	if prop.ChangeReasonCode == "" {
		prop.ChangeReasonCode = id.Reason
	}

	m, err := s.pipeline.Publish(r.Context(), id.Actor, &prop)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, m)
}

type artifactResponse struct {
	Manifest *registry.Manifest `json:"manifest"`
	Status   registry.Status    `json:"status"`
}

// loadTenantArtifact resolves an artifact and hides other tenants'
// artifacts behind a 404.
func (s *Server) loadTenantArtifact(w http.ResponseWriter, r *http.Request) (*registry.Manifest, bool) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, r, "")
		return nil, false
	}
	m, err := s.reg.GetManifest(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return nil, false
	}
	if m.Tenant != id.Tenant {
		WriteNotFound(w, r, "artifact not found")
		return nil, false
	}
	return m, true
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadTenantArtifact(w, r)
	if !ok {
		return
	}
	status, err := s.reg.Status(r.Context(), m.ArtifactID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, &artifactResponse{Manifest: m, Status: status})
}

func (s *Server) handleGetPayload(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadTenantArtifact(w, r)
	if !ok {
		return
	}

	etag := `"` + m.Hash + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	payload, _, err := s.reg.GetPayload(r.Context(), m.ArtifactID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	m, ok := s.loadTenantArtifact(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"artifact_id": m.ArtifactID,
		"ancestors":   s.graph.Ancestors(m.ArtifactID),
		"descendants": s.graph.Descendants(m.ArtifactID),
	})
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, r, "")
		return
	}
	m, ok := s.loadTenantArtifact(w, r)
	if !ok {
		return
	}

	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "invalid rollback request body")
		return
	}
	if req.Reason == "" {
		req.Reason = id.Reason
	}

	result, err := s.pipeline.Rollback(r.Context(), id.Actor, m.ArtifactID, req.Reason)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

type enqueueRequest struct {
	JobType        string          `json:"job_type"`
	Project        string          `json:"project,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, r, "")
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "invalid job request body")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	rec, err := s.jobs.Enqueue(r.Context(), id.Tenant, req.Project, id.Actor, req.JobType, req.Payload, req.IdempotencyKey)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, rec)
}

// loadTenantJob resolves a job, hiding other tenants' jobs.
func (s *Server) loadTenantJob(w http.ResponseWriter, r *http.Request) (*jobs.Record, bool) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, r, "")
		return nil, false
	}
	rec, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return nil, false
	}
	if rec.Tenant != id.Tenant {
		WriteNotFound(w, r, "job not found")
		return nil, false
	}
	return rec, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadTenantJob(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadTenantJob(w, r)
	if !ok {
		return
	}
	lines, err := s.jobs.Logs(r.Context(), rec.JobID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for _, line := range lines {
		fmt.Fprintf(w, "%s %s\n", line.TS.Format(time.RFC3339Nano), line.Line)
	}
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, r, "")
		return
	}
	rec, ok := s.loadTenantJob(w, r)
	if !ok {
		return
	}
	rec, err = s.jobs.Cancel(r.Context(), rec.JobID, id.Actor)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) handleQuotas(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, r, "")
		return
	}
	WriteJSON(w, http.StatusOK, s.quotas.UsageFor(id.Tenant))
}

type evaluateRequest struct {
	ManifestID string          `json:"manifest_id"`
	PolicyPack json.RawMessage `json:"policy_pack"`
}

// handleEvaluate gates a stored release_manifest artifact. The release
// input is derived from the manifest and its payload, never from the
// caller, so approvals cannot be asserted over the wire.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, r, "")
		return
	}

	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "invalid evaluate request body")
		return
	}
	if req.ManifestID == "" {
		WriteBadRequest(w, r, "manifest_id is required")
		return
	}
	if len(req.PolicyPack) == 0 {
		WriteBadRequest(w, r, "policy_pack is required")
		return
	}

	pack, err := gate.ParsePolicyPack(req.PolicyPack)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	m, err := s.reg.GetManifest(r.Context(), req.ManifestID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if m.Tenant != id.Tenant {
		WriteNotFound(w, r, "artifact not found")
		return
	}
	payload, _, err := s.reg.GetPayload(r.Context(), m.ArtifactID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	release, err := gate.InputFromManifest(m, payload)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	decision, err := s.gate.Evaluate(r.Context(), id.Actor, pack, release)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, decision)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, r, "")
		return
	}

	from := queryUint(r, "from_seq")
	to := queryUint(r, "to_seq")

	// Every served chunk re-verifies the HMAC chain; tampering surfaces
	// to the reader instead of being paged past.
	if _, err := s.log.VerifyChain(r.Context(), id.Tenant); err != nil {
		if s.tel != nil {
			s.tel.RecordChainVerification(r.Context(), id.Tenant, false)
		}
		WriteDomainError(w, r, err)
		return
	}
	if s.tel != nil {
		s.tel.RecordChainVerification(r.Context(), id.Tenant, true)
	}

	events, err := s.log.Range(r.Context(), id.Tenant, from, to)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"tenant": id.Tenant, "events": events})
}

type proposeWaiverRequest struct {
	Scope     string    `json:"scope"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleProposeWaiver(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, r, "")
		return
	}

	var req proposeWaiverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "invalid waiver request body")
		return
	}
	if req.Reason == "" {
		req.Reason = id.Reason
	}

	wv, err := s.waivers.Propose(r.Context(), id.Tenant, req.Scope, req.Reason, id.Actor, req.ExpiresAt)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, wv)
}

// loadTenantWaiver resolves a waiver, hiding other tenants' waivers.
func (s *Server) loadTenantWaiver(w http.ResponseWriter, r *http.Request) (*waiver.Waiver, bool) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, r, "")
		return nil, false
	}
	wv, err := s.waivers.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return nil, false
	}
	if wv.Tenant != id.Tenant {
		WriteNotFound(w, r, "waiver not found")
		return nil, false
	}
	return wv, true
}

func (s *Server) handleGetWaiver(w http.ResponseWriter, r *http.Request) {
	wv, ok := s.loadTenantWaiver(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, wv)
}

func (s *Server) handleApproveWaiver(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, r, "")
		return
	}
	wv, ok := s.loadTenantWaiver(w, r)
	if !ok {
		return
	}
	wv, err = s.waivers.Approve(r.Context(), wv.ID, id.Actor, id.Roles)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, wv)
}

func (s *Server) handleRevokeWaiver(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, r, "")
		return
	}
	wv, ok := s.loadTenantWaiver(w, r)
	if !ok {
		return
	}
	wv, err = s.waivers.Revoke(r.Context(), wv.ID, id.Actor)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, wv)
}

func queryUint(r *http.Request, name string) uint64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
