package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domaindetermine/governance/pkg/eventlog"
	"github.com/domaindetermine/governance/pkg/gate"
	"github.com/domaindetermine/governance/pkg/jobs"
	"github.com/domaindetermine/governance/pkg/lineage"
	"github.com/domaindetermine/governance/pkg/publish"
	"github.com/domaindetermine/governance/pkg/quota"
	"github.com/domaindetermine/governance/pkg/registry"
	"github.com/domaindetermine/governance/pkg/signer"
	"github.com/domaindetermine/governance/pkg/waiver"
)

type serverFixture struct {
	handler http.Handler
	jobs    *jobs.Service
	log     *eventlog.MemoryLog
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	root := t.TempDir()
	logger := slog.Default()

	validator, err := registry.NewValidator()
	require.NoError(t, err)
	blobs, err := registry.NewFileBlobStore(filepath.Join(root, "payloads"))
	require.NoError(t, err)
	manifests, err := registry.NewManifestStore(root)
	require.NoError(t, err)
	status, err := registry.NewStatusStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = status.Close() })
	reg := registry.New(validator, blobs, manifests, status)

	keys := signer.NewKeyRing()
	require.NoError(t, keys.Generate("key-1"))
	mac, err := signer.NewEventMAC([]byte("api-test-secret"))
	require.NoError(t, err)
	log := eventlog.NewMemoryLog(mac)

	waiverStore, err := waiver.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = waiverStore.Close() })
	waivers := waiver.NewManager(waiverStore, log, logger)

	graph := lineage.NewGraph()
	pipeline := publish.NewPipeline(reg, graph, keys, "key-1", log, logger).WithWaivers(waivers)

	gateEval, err := gate.NewEvaluator(waivers, log, logger)
	require.NoError(t, err)

	quotas := quota.NewManager(quota.Limits{MaxConcurrentJobs: 1}, quota.NewLocalWindowLimiter())
	jobStore, err := jobs.NewRecordStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobStore.Close() })
	jobSvc := jobs.NewService(jobStore, quotas, log, logger, jobs.Config{})
	jobSvc.RegisterHandler("noop", func(ctx context.Context, rec *jobs.Record, logf func(string, ...any)) error {
		return nil
	})

	srv := NewServer(reg, graph, pipeline, waivers, gateEval, jobSvc, quotas, log, logger)
	return &serverFixture{handler: srv.Routes(), jobs: jobSvc, log: log}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func maintainerHeaders() map[string]string {
	return map[string]string{
		"X-Actor":  "user:planner",
		"X-Roles":  "maintainer, qa",
		"X-Tenant": "acme",
		"X-Reason": "test release",
	}
}

func governanceHeaders() map[string]string {
	h := maintainerHeaders()
	h["X-Roles"] = "governance"
	return h
}

func publishBody() map[string]any {
	return map[string]any{
		"class":         "eval_suite",
		"slug":          "emea-evals",
		"title":         "EMEA eval suite",
		"change_impact": "minor",
		"approvals": []map[string]string{
			{"actor": "user:m", "role": "maintainer"},
			{"actor": "user:q", "role": "qa"},
		},
		"payload": map[string]any{"slices": []string{}},
	}
}

func TestMissingAuditHeadersRejected(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/quotas", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "AUTH_FAILED", problem.Code)
	assert.NotEmpty(t, problem.Remediation)
}

func TestMutationRequiresReasonHeader(t *testing.T) {
	f := newServerFixture(t)

	h := maintainerHeaders()
	delete(h, "X-Reason")
	rec := f.do(t, http.MethodPost, "/artifacts", publishBody(), h)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Reads are fine without a reason.
	rec = f.do(t, http.MethodGet, "/quotas", nil, h)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPublishRequiresMaintainerRole(t *testing.T) {
	f := newServerFixture(t)

	h := maintainerHeaders()
	h["X-Roles"] = "viewer"
	rec := f.do(t, http.MethodPost, "/artifacts", publishBody(), h)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPublishAndFetchArtifact(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/artifacts", publishBody(), maintainerHeaders())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var m registry.Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "1.0.0", m.Version)
	assert.NotEmpty(t, m.Signature)

	rec = f.do(t, http.MethodGet, "/artifacts/"+m.ArtifactID, nil, maintainerHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	var got artifactResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, m.ArtifactID, got.Manifest.ArtifactID)
	assert.Equal(t, registry.StatusPublished, got.Status)

	// A different tenant cannot see the artifact at all.
	other := maintainerHeaders()
	other["X-Tenant"] = "globex"
	rec = f.do(t, http.MethodGet, "/artifacts/"+m.ArtifactID, nil, other)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPayloadETag(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/artifacts", publishBody(), maintainerHeaders())
	require.Equal(t, http.StatusCreated, rec.Code)
	var m registry.Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))

	rec = f.do(t, http.MethodGet, "/artifacts/"+m.ArtifactID+"/payload", nil, maintainerHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	assert.Equal(t, fmt.Sprintf("%q", m.Hash), etag)

	h := maintainerHeaders()
	h["If-None-Match"] = etag
	rec = f.do(t, http.MethodGet, "/artifacts/"+m.ArtifactID+"/payload", nil, h)
	assert.Equal(t, http.StatusNotModified, rec.Code)
}

func TestRollbackEndpoint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/artifacts", publishBody(), maintainerHeaders())
	require.Equal(t, http.StatusCreated, rec.Code)
	var m registry.Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))

	rec = f.do(t, http.MethodPost, "/artifacts/"+m.ArtifactID+"/rollback",
		map[string]string{"reason": "bad data"}, maintainerHeaders())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/artifacts/"+m.ArtifactID, nil, maintainerHeaders())
	var got artifactResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, registry.StatusRolledBack, got.Status)
}

func TestJobQuotaRefusalShape(t *testing.T) {
	f := newServerFixture(t)

	// Concurrency limit is 1 and workers are not running, so the first
	// job holds the only slot.
	rec := f.do(t, http.MethodPost, "/jobs",
		map[string]any{"job_type": "noop", "payload": map[string]int{"n": 1}}, maintainerHeaders())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/jobs",
		map[string]any{"job_type": "noop", "payload": map[string]int{"n": 2}}, maintainerHeaders())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "RATE_LIMITED", problem.Code)
	assert.Equal(t, "max_concurrent_jobs", problem.Limit)
	assert.GreaterOrEqual(t, problem.RetryAfterSeconds, int64(1))
}

func TestJobLifecycleEndpoints(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/jobs",
		map[string]any{"job_type": "noop", "project": "atlas"}, maintainerHeaders())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var job jobs.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, jobs.StatusQueued, job.Status)
	assert.Equal(t, "atlas", job.Project)

	rec = f.do(t, http.MethodGet, "/jobs/"+job.JobID, nil, maintainerHeaders())
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/jobs/"+job.JobID+"/logs", nil, maintainerHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))

	rec = f.do(t, http.MethodPost, "/jobs/"+job.JobID+"/cancel", nil, maintainerHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, jobs.StatusCanceled, job.Status)

	rec = f.do(t, http.MethodGet, "/jobs/job-missing", nil, maintainerHeaders())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvaluateEndpoint(t *testing.T) {
	f := newServerFixture(t)

	// The gate reads approvals and rehearsal state from the stored
	// release manifest, so one is published first.
	rec := f.do(t, http.MethodPost, "/artifacts", publishBody(), maintainerHeaders())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var up registry.Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &up))

	releaseBody := map[string]any{
		"class":         "release_manifest",
		"slug":          "emea-release",
		"title":         "EMEA release",
		"change_impact": "minor",
		"approvals": []map[string]string{
			{"actor": "user:m", "role": "maintainer"},
			{"actor": "user:q", "role": "qa"},
		},
		"upstream": []map[string]any{
			{"artifact_id": up.ArtifactID, "hash": up.Hash, "version": up.Version},
		},
		"payload": map[string]any{
			"last_rehearsal_at": time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339),
			"readiness_gates":   map[string]bool{"smoke_suite": true},
			"environment":       "prod",
		},
	}
	rec = f.do(t, http.MethodPost, "/artifacts", releaseBody, maintainerHeaders())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var m registry.Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))

	body := map[string]any{
		"manifest_id": m.ArtifactID,
		"policy_pack": map[string]any{
			"required_approvals":       []string{"maintainer", "qa"},
			"max_rehearsal_age_days":   30,
			"required_readiness_gates": []string{"smoke_suite"},
			"allow_waivers":            false,
		},
	}
	rec = f.do(t, http.MethodPost, "/release/evaluate", body, maintainerHeaders())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var decision gate.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.Equal(t, gate.ResultApprove, decision.Result)

	// Approvals live in the manifest; a caller cannot assert them.
	body["policy_pack"].(map[string]any)["required_approvals"] = []string{"maintainer", "qa", "governance"}
	rec = f.do(t, http.MethodPost, "/release/evaluate", body, maintainerHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.Equal(t, gate.ResultReject, decision.Result)
	assert.Contains(t, decision.Reasons, "insufficient_approvals:missing_governance")

	// Only stored release manifests can be evaluated.
	body["manifest_id"] = up.ArtifactID
	rec = f.do(t, http.MethodPost, "/release/evaluate", body, maintainerHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body["manifest_id"] = "art-missing"
	rec = f.do(t, http.MethodPost, "/release/evaluate", body, maintainerHeaders())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWaiverFlowOverAPI(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/waivers", map[string]any{
		"scope":      "rehearsal_age",
		"reason":     "migration freeze",
		"expires_at": time.Now().Add(48 * time.Hour).UTC(),
	}, maintainerHeaders())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var wv waiver.Waiver
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wv))
	assert.Equal(t, waiver.StatePropose, wv.State)

	// Approval demands the governance role.
	rec = f.do(t, http.MethodPost, "/waivers/"+wv.ID+"/approve", nil, maintainerHeaders())
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/waivers/"+wv.ID+"/approve", nil, governanceHeaders())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wv))
	assert.Equal(t, waiver.StateApproved, wv.State)
}

func TestEventsEndpoint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/artifacts", publishBody(), maintainerHeaders())
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/events?from_seq=1", nil, maintainerHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Tenant string           `json:"tenant"`
		Events []eventlog.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "acme", resp.Tenant)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, eventlog.KindArtifactPublished, resp.Events[0].Kind)
}

func TestHealthEndpointsArePublic(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
