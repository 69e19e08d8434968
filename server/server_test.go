package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-spooler/feed"
)

type fakePipeline struct {
	runErr  error
	report  *feed.RunReport
	history []feed.RunRecord
	latest  *feed.LatestArtifact

	gotReq      feed.RunRequest
	gotSupplier string
	gotLimit    int
	gotNS       string
}

func (f *fakePipeline) Run(ctx context.Context, req feed.RunRequest) (*feed.RunReport, error) {
	f.gotReq = req
	if f.runErr != nil {
		return &feed.RunReport{State: feed.StateFailed}, f.runErr
	}
	return f.report, nil
}

func (f *fakePipeline) History(ctx context.Context, supplier string, limit int) ([]feed.RunRecord, error) {
	f.gotSupplier, f.gotLimit = supplier, limit
	return f.history, nil
}

func (f *fakePipeline) Latest(ctx context.Context, namespace string) (*feed.LatestArtifact, error) {
	f.gotNS = namespace
	return f.latest, nil
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	rec := do(t, New(&fakePipeline{}, zerolog.Nop()), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestImport(t *testing.T) {
	p := &fakePipeline{report: &feed.RunReport{
		RunID:    "r-1",
		Supplier: "motorol",
		State:    feed.StateDone,
		Rows:     3,
		Results: []feed.ProfileResult{
			{Name: "retail", Status: feed.StatusOK, Key: "1_23/motorol/a.csv", Rows: 3},
			{Name: "site", Status: feed.StatusFailed, Error: "boom", Rows: 3},
		},
	}}
	rec := do(t, New(p, zerolog.Nop()), http.MethodPost, "/admin/import", `{"supplier":"MOTOROL","profile_filter":"retail"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MOTOROL", p.gotReq.Supplier)
	assert.Equal(t, "retail", p.gotReq.ProfileFilter)

	var got importResponse
	decodeBody(t, rec, &got)
	assert.Equal(t, "r-1", got.RunID)
	assert.Equal(t, feed.StateDone, got.State)
	require.Len(t, got.Results, 2)
	assert.Equal(t, feed.StatusFailed, got.Results[1].Status, "profile failures are reported, not fatal")
}

func TestImportErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"malformed", `{"supplier":`, nil, http.StatusBadRequest},
		{"unknown field", `{"supplier":"a","extra":1}`, nil, http.StatusBadRequest},
		{"missing supplier", `{"supplier":"  "}`, nil, http.StatusBadRequest},
		{"unknown supplier", `{"supplier":"x"}`, &feed.RunError{State: feed.StateMaterializing, Err: fmt.Errorf("%w: %q", feed.ErrUnknownSupplier, "x")}, http.StatusNotFound},
		{"no profiles", `{"supplier":"x"}`, &feed.RunError{State: feed.StateMaterializing, Err: feed.ErrNoProfiles}, http.StatusBadRequest},
		{"materialize", `{"supplier":"x"}`, &feed.RunError{State: feed.StateMaterializing, Err: fmt.Errorf("%w: %w", feed.ErrMaterialize, feed.ErrNoInput)}, http.StatusInternalServerError},
		{"config", `{"supplier":"x"}`, &feed.ConfigError{Path: "profiles.yaml", Err: errors.New("yaml: bad")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, New(&fakePipeline{runErr: tc.err}, zerolog.Nop()), http.MethodPost, "/admin/import", tc.body)
			assert.Equal(t, tc.status, rec.Code)
			var body map[string]string
			decodeBody(t, rec, &body)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestRuns(t *testing.T) {
	p := &fakePipeline{history: []feed.RunRecord{{RunID: "r-2", Supplier: "motorol", State: "DONE", StartedAt: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)}}}
	s := New(p, zerolog.Nop())

	rec := do(t, s, http.MethodGet, "/admin/runs?supplier=motorol&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "motorol", p.gotSupplier)
	assert.Equal(t, 5, p.gotLimit)
	var runs []map[string]any
	decodeBody(t, rec, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "r-2", runs[0]["run_id"])
	assert.NotContains(t, runs[0], "ID")

	rec = do(t, s, http.MethodGet, "/admin/runs?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	p.history = nil
	rec = do(t, s, http.MethodGet, "/admin/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 20, p.gotLimit)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestLatest(t *testing.T) {
	p := &fakePipeline{}
	s := New(p, zerolog.Nop())

	rec := do(t, s, http.MethodGet, "/prices/latest", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/prices/latest?namespace=1_23/motorol/", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "1_23/motorol/", p.gotNS)

	p.latest = &feed.LatestArtifact{Key: "1_23/motorol/a.csv", URL: "https://cdn/1_23/motorol/a.csv", Size: 42}
	rec = do(t, s, http.MethodGet, "/prices/latest?namespace=1_23/motorol/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got feed.LatestArtifact
	decodeBody(t, rec, &got)
	assert.Equal(t, *p.latest, got)
}

func TestUnknownRoute(t *testing.T) {
	rec := do(t, New(&fakePipeline{}, zerolog.Nop()), http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, New(&fakePipeline{}, zerolog.Nop()), http.MethodGet, "/admin/import", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
