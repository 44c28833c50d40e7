package proxy

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterLongestPrefix(t *testing.T) {
	r, err := NewRouter([]Upstream{
		{Name: "root", Target: "http://localhost:3000"},
		{Name: "api", Prefix: "/api", Target: "http://localhost:8081"},
		{Name: "admin", Prefix: "/api/admin", Target: "http://localhost:8082"},
	})
	require.NoError(t, err)

	tests := []struct {
		path string
		want string
	}{
		{"/", "root"},
		{"/api", "api"},
		{"/api/users", "api"},
		{"/api/admin/keys", "admin"},
		{"/static/app.js", "root"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			u := r.Match(httptest.NewRequest("GET", tt.path, nil))
			require.NotNil(t, u)
			assert.Equal(t, tt.want, u.Name)
		})
	}
}

func TestRouterNoCatchAll(t *testing.T) {
	r, err := NewRouter([]Upstream{{Name: "api", Prefix: "/api/", Target: "http://localhost:8081"}})
	require.NoError(t, err)
	assert.Nil(t, r.Match(httptest.NewRequest("GET", "/other", nil)))
	assert.Nil(t, r.Match(httptest.NewRequest("GET", "/apiary", nil)), "prefixes match whole segments")
	assert.NotNil(t, r.Match(httptest.NewRequest("GET", "/api", nil)))
}

func TestRouterValidation(t *testing.T) {
	_, err := NewRouter([]Upstream{{Name: "x", Target: "localhost:8081"}})
	assert.Error(t, err)

	_, err = NewRouter([]Upstream{
		{Name: "x", Target: "http://a"},
		{Name: "x", Prefix: "/b", Target: "http://b"},
	})
	assert.ErrorContains(t, err, "duplicate")

	r, err := NewRouter([]Upstream{{Target: "http://a"}})
	require.NoError(t, err)
	assert.Equal(t, "upstream-1", r.Upstreams()[0].Name)
}

func TestDirector(t *testing.T) {
	r, err := NewRouter([]Upstream{
		{Name: "api", Prefix: "/api", Target: "https://backend.test/v2", StripPrefix: true},
	})
	require.NoError(t, err)
	u := r.Match(httptest.NewRequest("GET", "/api/users?id=1", nil))
	require.NotNil(t, u)

	req := httptest.NewRequest("GET", "/api/users?id=1", nil)
	Director(u)(req)
	assert.Equal(t, "https", req.URL.Scheme)
	assert.Equal(t, "backend.test", req.URL.Host)
	assert.Equal(t, "/v2/users", req.URL.Path)
	assert.Equal(t, "id=1", req.URL.RawQuery)
	assert.Equal(t, "backend.test", req.Host)
}
