package observability

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestWithHeadersInjectsWithoutOverriding(t *testing.T) {
	t.Parallel()
	base := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "v", req.Header.Get("X-Gateway"))
		assert.Equal(t, "keep", req.Header.Get("X-Existing"), "caller-set headers win")
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok"))}, nil
	})}

	c := WithHeaders(base, map[string]string{"X-Gateway": "v", "X-Existing": "override"})
	req, err := http.NewRequest(http.MethodGet, "http://example.test", nil)
	require.NoError(t, err)
	req.Header.Set("X-Existing", "keep")

	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestNewHTTPClientWrapsTransport(t *testing.T) {
	t.Parallel()
	c := NewHTTPClient(nil)
	require.NotNil(t, c)
	assert.NotNil(t, c.Transport, "transport must be instrumented")
}
