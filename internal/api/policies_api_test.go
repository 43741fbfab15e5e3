package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partsdesk/consoleguard/internal/rules"
)

func TestPoliciesAPI_Lifecycle(t *testing.T) {
	var swaps []*rules.Matcher
	h := NewPoliciesHandler(NewInMemoryRepository(), WithReload(func(m *rules.Matcher) {
		swaps = append(swaps, m)
	}))

	resp := do(h, http.MethodPost, "/api/policies", `{
		"name": "staff_invite",
		"pattern": "/api/staff/:action",
		"methods": ["post", " POST", "put"],
		"priority": 10,
		"limit": 5,
		"window_seconds": 60,
		"identify_by": "user"
	}`)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	created := dataOf[Policy](t, resp)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, []string{"POST", "PUT"}, created.Methods)
	assert.Equal(t, "api:staff_invite:user", created.Scope)
	assert.True(t, created.Enabled, "enabled defaults to true")

	require.Len(t, swaps, 1)
	m := swaps[0].Match(http.MethodPost, "/api/staff/invite")
	require.NotNil(t, m)
	assert.Equal(t, created.Scope, m.Rule.ScopeKey())

	resp = do(h, http.MethodGet, "/api/policies/", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, dataOf[[]Policy](t, resp), 1)

	resp = do(h, http.MethodGet, "/api/policies/"+created.ID, "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, created.ID, dataOf[Policy](t, resp).ID)

	resp = do(h, http.MethodPut, "/api/policies/"+created.ID, `{
		"name": "staff_invite",
		"scope": "API:Staff Invite:Key",
		"pattern": "/api/staff/:action",
		"limit": 2,
		"window_seconds": 300,
		"identify_by": "header",
		"header_name": "X-Console-Key",
		"enabled": false
	}`)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	updated := dataOf[Policy](t, resp)
	assert.Equal(t, "api:staff_invite:key", updated.Scope)
	assert.Equal(t, "X-Console-Key", updated.HeaderName)
	assert.False(t, updated.Enabled)
	assert.True(t, updated.CreatedAt.Equal(created.CreatedAt))
	require.Len(t, swaps, 2)
	assert.Zero(t, swaps[1].Len(), "disabled policies are not compiled")

	assert.Equal(t, http.StatusNoContent, do(h, http.MethodDelete, "/api/policies/"+created.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/policies/"+created.ID, "").Code)
	assert.Len(t, swaps, 3)
}

func TestPoliciesAPI_RejectsInvalidBodies(t *testing.T) {
	h := NewPoliciesHandler(NewInMemoryRepository())

	bodies := map[string]string{
		"empty body":          ``,
		"missing name":        `{"name":" ","pattern":"/api/*","limit":10,"window_seconds":60}`,
		"relative pattern":    `{"name":"n","pattern":"api/*","limit":10,"window_seconds":60}`,
		"wildcard not last":   `{"name":"n","pattern":"/api/*/x","limit":10,"window_seconds":60}`,
		"zero limit":          `{"name":"n","pattern":"/api/*","limit":0,"window_seconds":60}`,
		"zero window":         `{"name":"n","pattern":"/api/*","limit":10,"window_seconds":0}`,
		"overflowing window":  `{"name":"n","pattern":"/api/*","limit":10,"window_seconds":1099511627776}`,
		"header without name": `{"name":"n","pattern":"/api/*","limit":10,"window_seconds":60,"identify_by":"header"}`,
		"unknown identify_by": `{"name":"n","pattern":"/api/*","limit":10,"window_seconds":60,"identify_by":"cookie"}`,
		"unknown method":      `{"name":"n","pattern":"/api/*","limit":10,"window_seconds":60,"methods":["FETCH"]}`,
		"blank method":        `{"name":"n","pattern":"/api/*","limit":10,"window_seconds":60,"methods":[""]}`,
		"unknown field":       `{"name":"n","pattern":"/api/*","limit":10,"window_seconds":60,"burst":3}`,
		"two objects":         `{"name":"n","pattern":"/api/*","limit":10,"window_seconds":60}{}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			resp := do(h, http.MethodPost, "/api/policies", body)
			assert.Equal(t, http.StatusBadRequest, resp.Code, resp.Body.String())
		})
	}
}

func TestPoliciesAPI_Routing(t *testing.T) {
	h := NewPoliciesHandler(NewInMemoryRepository())
	valid := `{"name":"n","pattern":"/a","limit":1,"window_seconds":1}`

	tests := []struct {
		method, path, body string
		want               int
		allow              string
	}{
		{http.MethodPatch, "/api/policies", "", http.StatusMethodNotAllowed, "GET, POST"},
		{http.MethodPost, "/api/policies/some-id", valid, http.StatusMethodNotAllowed, "DELETE, GET, PUT"},
		{http.MethodGet, "/api/policies/missing", "", http.StatusNotFound, ""},
		{http.MethodDelete, "/api/policies/missing", "", http.StatusNotFound, ""},
		{http.MethodPut, "/api/policies/missing", valid, http.StatusNotFound, ""},
		{http.MethodGet, "/api/policies/a/b", "", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			resp := do(h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, resp.Code)
			assert.Equal(t, tt.allow, resp.Header().Get("Allow"))
		})
	}
}

type listFailsRepo struct {
	*InMemoryRepository
}

func (listFailsRepo) List(context.Context) ([]Policy, error) {
	return nil, errors.New("db down")
}

func TestPoliciesAPI_FailedReloadKeepsPreviousMatcher(t *testing.T) {
	swaps := 0
	h := NewPoliciesHandler(listFailsRepo{NewInMemoryRepository()}, WithReload(func(*rules.Matcher) { swaps++ }))

	require.Error(t, h.Reload(context.Background()))

	resp := do(h, http.MethodPost, "/api/policies", `{"name":"n","pattern":"/a","limit":1,"window_seconds":1}`)
	assert.Equal(t, http.StatusCreated, resp.Code)
	assert.Zero(t, swaps)

	assert.Equal(t, http.StatusInternalServerError, do(h, http.MethodGet, "/api/policies", "").Code)
}

// gatedRepo parks the first List call, after its snapshot is taken, until
// release is closed.
type gatedRepo struct {
	*InMemoryRepository
	once    sync.Once
	listed  chan struct{}
	release chan struct{}
}

func (r *gatedRepo) List(ctx context.Context) ([]Policy, error) {
	policies, err := r.InMemoryRepository.List(ctx)
	first := false
	r.once.Do(func() { first = true })
	if first {
		close(r.listed)
		<-r.release
	}
	return policies, err
}

func TestPoliciesAPI_OverlappingChangesPublishLatestSnapshot(t *testing.T) {
	repo := &gatedRepo{
		InMemoryRepository: NewInMemoryRepository(),
		listed:             make(chan struct{}),
		release:            make(chan struct{}),
	}
	var active atomic.Pointer[rules.Matcher]
	h := NewPoliciesHandler(repo, WithReload(active.Store))

	codes := make(chan int, 2)
	post := func(name string) {
		codes <- do(h, http.MethodPost, "/api/policies",
			`{"name":"`+name+`","pattern":"/`+name+`","limit":1,"window_seconds":60}`).Code
	}

	go post("a")
	<-repo.listed

	go post("b")
	require.Eventually(t, func() bool {
		stored, _ := repo.InMemoryRepository.List(context.Background())
		return len(stored) == 2
	}, 2*time.Second, 5*time.Millisecond)
	close(repo.release)

	assert.Equal(t, http.StatusCreated, <-codes)
	assert.Equal(t, http.StatusCreated, <-codes)

	m := active.Load()
	require.NotNil(t, m)
	assert.Equal(t, 2, m.Len())
	assert.NotNil(t, m.Match(http.MethodGet, "/b"), "policy b must be enforced once both changes return")
}

func TestBuildMatcher_SkipsDisabled(t *testing.T) {
	m, err := BuildMatcher([]Policy{
		{Name: "on", Pattern: "/a", Limit: 1, WindowSeconds: 60, IdentifyBy: "ip", Enabled: true},
		{Name: "off", Pattern: "/a", Limit: 1, WindowSeconds: 60, IdentifyBy: "ip"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())
}

func TestInMemoryRepository_ListIsOrderedAndDetached(t *testing.T) {
	repo := NewInMemoryRepository()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	ctx := context.Background()

	first, err := repo.Create(ctx, Policy{Name: "first", Methods: []string{"GET"}})
	require.NoError(t, err)
	_, err = repo.Create(ctx, Policy{Name: "second"})
	require.NoError(t, err)

	first.Methods[0] = "DELETE"

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].Name)
	assert.Equal(t, []string{"GET"}, list[0].Methods)
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func dataOf[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var payload struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload), resp.Body.String())
	return payload.Data
}
