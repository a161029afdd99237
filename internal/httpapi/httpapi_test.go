package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/dls"
	"github.com/pthm/dls/internal/memstore"
)

type apiFixture struct {
	t       *testing.T
	handler http.Handler
	store   *memstore.Store
}

func newAPI(t *testing.T, private bool) *apiFixture {
	t.Helper()
	store := memstore.New()
	for _, name := range []string{"user:owner", "user:alice"} {
		store.AddSubject(dls.Subject{Name: name, Kind: dls.SubjectUser, Active: true})
	}
	store.AddSubject(dls.Subject{Name: "group:team", Kind: dls.SubjectGroup, Active: true})

	reg := prometheus.NewRegistry()
	metrics := dls.NewMetrics()
	reg.MustRegister(metrics)
	svc := dls.New(store, dls.WithMetrics(metrics))
	_, err := svc.AddNode(context.Background(), dls.AddNodeRequest{Identifier: "doc-1", Scope: "user", Requester: "user:owner"})
	require.NoError(t, err)

	cfg := Config{Public: svc.Public(), Gatherer: reg}
	if private {
		p := svc.Private()
		cfg.Private = &p
	}
	return &apiFixture{t: t, handler: NewHandler(cfg), store: store}
}

func (f *apiFixture) do(method, path, user string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type apiError struct {
	Error errorBody `json:"error"`
}

func TestCheck(t *testing.T) {
	f := newAPI(t, false)

	tests := []struct {
		name    string
		user    string
		body    dls.CheckRequest
		status  int
		allowed bool
		reason  dls.Reason
	}{
		{
			name:    "owner reads",
			body:    dls.CheckRequest{Subject: "user:owner", Node: "doc-1", Action: "read"},
			status:  http.StatusOK,
			allowed: true,
			reason:  dls.ReasonACLAdm,
		},
		{
			name:   "subject from header",
			user:   "user:alice",
			body:   dls.CheckRequest{Node: "doc-1", Action: "read"},
			status: http.StatusOK,
			reason: dls.ReasonNotInAnyList,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/v1/check", tt.user, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			res := decodeBody[dls.CheckResult](t, rec)
			assert.Equal(t, tt.allowed, res.Allowed)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}

	t.Run("unknown node", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/v1/check", "", dls.CheckRequest{Subject: "user:owner", Node: "nope", Action: "read"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "not_found", decodeBody[apiError](t, rec).Error.Kind)
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/check", strings.NewReader(`{"bogus": 1}`))
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "bad_request", decodeBody[apiError](t, rec).Error.Kind)
	})
}

func TestCheckMulti(t *testing.T) {
	f := newAPI(t, false)
	rec := f.do(http.MethodPost, "/v1/check_multi", "user:owner", checkMultiRequest{Action: "read", Nodes: []string{"doc-1", "nope"}})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[struct {
		Results map[string]dls.MultiResult `json:"results"`
	}](t, rec)
	assert.Equal(t, "ok", res.Results["doc-1"].Status)
	assert.True(t, res.Results["doc-1"].Allowed)
	assert.Equal(t, "not found", res.Results["nope"].Status)
}

func TestModifyPermissions(t *testing.T) {
	f := newAPI(t, false)
	diff := dls.Diff{Added: map[string][]dls.DiffItem{dls.PermACLView: {{Subject: dls.Subject{Name: "user:alice"}}}}}

	t.Run("requires the user header", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/v1/nodes/doc-1/permissions", "", dls.ModifyRequest{Diff: diff})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("owner adds a grant", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/v1/nodes/doc-1/permissions", "user:owner", dls.ModifyRequest{Diff: diff})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		res := decodeBody[dls.ModifyResult](t, rec)
		assert.True(t, res.Editable)
		require.Len(t, res.Logs, 1)
		assert.Equal(t, dls.SituationNewAdd, res.Logs[0].Meta.Situation)
	})

	t.Run("grants are listed", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/v1/nodes/doc-1/permissions", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		res := decodeBody[struct {
			Grants dls.Grants `json:"grants"`
		}](t, rec)
		assert.Len(t, res.Grants[dls.PermACLView], 1)
	})

	t.Run("inconsistent diff", func(t *testing.T) {
		dup := dls.Diff{
			Added:   diff.Added,
			Removed: map[string][]dls.DiffItem{dls.PermACLView: {{Subject: dls.Subject{Name: "user:alice"}}}},
		}
		rec := f.do(http.MethodPost, "/v1/nodes/doc-1/permissions", "user:owner", dls.ModifyRequest{Diff: dup})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		body := decodeBody[apiError](t, rec)
		assert.Equal(t, "not_consistent", body.Error.Kind)
		assert.NotEmpty(t, body.Error.Details)
	})

	t.Run("not allowed", func(t *testing.T) {
		remove := dls.Diff{Removed: map[string][]dls.DiffItem{dls.PermACLAdm: {{Subject: dls.Subject{Name: "user:owner"}}}}}
		rec := f.do(http.MethodPost, "/v1/nodes/doc-1/permissions", "user:alice", dls.ModifyRequest{Diff: remove})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "not_allowed", decodeBody[apiError](t, rec).Error.Kind)
	})
}

func TestPrivateRoutes(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		f := newAPI(t, false)
		rec := f.do(http.MethodPost, "/v1/nodes", "user:owner", dls.AddNodeRequest{Scope: "user"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	f := newAPI(t, true)

	rec := f.do(http.MethodPost, "/v1/nodes", "user:owner", dls.AddNodeRequest{Identifier: "doc-2", Scope: "user"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "doc-2", decodeBody[dls.ModifyResult](t, rec).Node.Identifier)

	rec = f.do(http.MethodPost, "/v1/groups/group:team/members", "", membersRequest{Members: []string{"user:alice"}})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = f.do(http.MethodGet, "/v1/subjects/user:alice/groups", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	groups := decodeBody[struct {
		Groups []dls.Subject `json:"groups"`
	}](t, rec)
	require.Len(t, groups.Groups, 1)
	assert.Equal(t, "group:team", groups.Groups[0].Name)

	rec = f.do(http.MethodDelete, "/v1/groups/group:team/members", "", membersRequest{Members: []string{"user:alice"}})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodPost, "/v1/groups/group:nope/members", "", membersRequest{Members: []string{"user:alice"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPI(t, false)
	rec := f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.do(http.MethodPost, "/v1/check", "", dls.CheckRequest{Subject: "user:owner", Node: "doc-1", Action: "read"})
	rec = f.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `dls_checks_total{reason="acl_adm",result="allow"} 1`)

	down := NewHandler(Config{Ready: func(context.Context) error { return errors.New("db down") }})
	rec = httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "unavailable", errorKind(dls.ErrTransient))
	assert.Equal(t, "internal", errorKind(errors.New("boom")))
}
