package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaheed/tenantplane/pkg/types"
)

func endpoints() []types.ServiceEndpoint {
	return []types.ServiceEndpoint{
		{Service: "acme-api-svc", Tenant: "acme", Address: "10.0.0.1", Port: 8080, Metadata: map[string]string{"app": "api"}},
		{Service: "acme-worker-svc", Tenant: "acme", Address: "10.0.0.2", Port: 8080, Metadata: map[string]string{"app": "worker"}},
	}
}

func newServer(t *testing.T, seen *[]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]any{"status": "ok", "tenants": 1})
	})
	mux.HandleFunc("/api/v1/endpoints", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string][]types.ServiceEndpoint{"acme": endpoints()})
	})
	mux.HandleFunc("/api/v1/endpoints/search", func(w http.ResponseWriter, r *http.Request) {
		*seen = append(*seen, r.URL.RawQuery)
		reply(w, http.StatusOK, endpoints()[:1])
	})
	mux.HandleFunc("/api/v1/tenants/acme/endpoints", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, endpoints())
	})
	mux.HandleFunc("/api/v1/tenants/acme/services/acme-api-svc", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, endpoints()[:1])
	})
	mux.HandleFunc("/api/v1/tenants/ghost/endpoints", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusNotFound, map[string]string{"code": "tenant_not_found", "message": "no endpoints registered for tenant"})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestClientReadsDiscoveryAPI(t *testing.T) {
	var queries []string
	ts := newServer(t, &queries)
	c := New(ts.URL + "/")
	ctx := context.Background()

	n, err := c.Healthz(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := c.AllEndpoints(ctx)
	require.NoError(t, err)
	assert.Len(t, all["acme"], 2)

	eps, err := c.TenantEndpoints(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, eps, 2)

	svc, err := c.ServiceEndpoints(ctx, "acme", "acme-api-svc")
	require.NoError(t, err)
	require.Len(t, svc, 1)
	assert.Equal(t, "10.0.0.1", svc[0].Address)

	found, err := c.FindService(ctx, map[string]string{"tenant": "acme", "app": "api"})
	require.NoError(t, err)
	assert.Len(t, found, 1)
	assert.Equal(t, []string{"app=api&tenant=acme"}, queries)
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	ts := newServer(t, new([]string))
	c := New(ts.URL)

	_, err := c.TenantEndpoints(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "tenant_not_found")

	_, err = c.ServiceEndpoints(context.Background(), "acme", "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err), "unrouted paths answer 404 too")
}
