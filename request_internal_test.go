package bh2

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
)

func hf(name, value string) hpack.HeaderField {
	return hpack.HeaderField{Name: name, Value: value}
}

func mustServerRequest(t *testing.T, fields []hpack.HeaderField, mutate ...func(*Config)) *ServerRequest {
	t.Helper()

	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	req, err := newServerRequest(1, fields, true, cfg,
		false,
		&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 40_000},
		&net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 8080})
	require.NoError(t, err)

	return req
}

func TestNewServerRequestBasic(t *testing.T) {
	req := mustServerRequest(t, []hpack.HeaderField{
		hf(":method", "GET"),
		hf(":scheme", "https"),
		hf(":authority", "example.com"),
		hf(":path", "/items?limit=10"),
		hf("accept", "application/json"),
		hf("content-length", "42"),
	})

	require.Equal(t, "GET", req.Method())
	require.Equal(t, "/items", req.Path())
	require.Equal(t, "limit=10", req.Query())
	require.Equal(t, "example.com", req.Authority())
	require.Equal(t, "application/json", req.Header().Get("accept"))
	require.Equal(t, int64(42), req.ContentLength())
}

func TestNewServerRequestContentLengthDefault(t *testing.T) {
	req := mustServerRequest(t, []hpack.HeaderField{
		hf(":method", "GET"),
		hf(":path", "/"),
	})

	require.Equal(t, int64(-1), req.ContentLength())
}

func TestNewServerRequestRejections(t *testing.T) {
	for _, tt := range []struct {
		name   string
		fields []hpack.HeaderField
	}{
		{"missing method", []hpack.HeaderField{hf(":path", "/")}},
		{"missing path", []hpack.HeaderField{hf(":method", "GET")}},
		{"unknown pseudo", []hpack.HeaderField{hf(":method", "GET"), hf(":path", "/"), hf(":status", "200")}},
		{"duplicate pseudo", []hpack.HeaderField{hf(":method", "GET"), hf(":method", "POST"), hf(":path", "/")}},
		{"empty pseudo", []hpack.HeaderField{hf(":method", ""), hf(":path", "/")}},
		{"pseudo after regular", []hpack.HeaderField{hf(":method", "GET"), hf("accept", "*/*"), hf(":path", "/")}},
		{"uppercase header", []hpack.HeaderField{hf(":method", "GET"), hf(":path", "/"), hf("Accept", "*/*")}},
		{"connection header", []hpack.HeaderField{hf(":method", "GET"), hf(":path", "/"), hf("connection", "close")}},
		{"bad te", []hpack.HeaderField{hf(":method", "GET"), hf(":path", "/"), hf("te", "gzip")}},
		{"bad content length", []hpack.HeaderField{hf(":method", "GET"), hf(":path", "/"), hf("content-length", "-1")}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newServerRequest(1, tt.fields, true, DefaultConfig(), false, nil, nil)
			serr, ok := asStreamError(err)
			require.True(t, ok)
			require.Equal(t, ErrCodeProtocol, serr.Code)
			require.Equal(t, uint32(1), serr.StreamID)
		})
	}
}

func TestValidatePath(t *testing.T) {
	for _, tt := range []struct {
		path string
		ok   bool
	}{
		{"/", true},
		{"*", true},
		{"/a/b/c", true},
		{"/a%20b", true},
		{"relative", false},
		{"/a/../b", false},
		{"/a/./b", false},
		{"/%2e%2e/b", false},
		{"/a\x00b", false},
		{"/a%zzb", false},
	} {
		t.Run(tt.path, func(t *testing.T) {
			err := validatePath(1, tt.path)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestPathValidationDisabled(t *testing.T) {
	req := mustServerRequest(t, []hpack.HeaderField{
		hf(":method", "GET"),
		hf(":path", "/a/../b"),
	}, func(c *Config) { c.DisablePathValidation = true })

	require.Equal(t, "/a/../b", req.Path())
}

func TestRequestedURIHostFallback(t *testing.T) {
	req := mustServerRequest(t, []hpack.HeaderField{
		hf(":method", "GET"),
		hf(":scheme", "http"),
		hf(":authority", "backend:8080"),
		hf(":path", "/items"),
	})

	uri := req.RequestedURI()
	require.Equal(t, "http", uri.Scheme)
	require.Equal(t, "backend:8080", uri.Authority)
	require.Equal(t, "/items", uri.Path)
}

func TestRequestedURIForwarded(t *testing.T) {
	req := mustServerRequest(t, []hpack.HeaderField{
		hf(":method", "GET"),
		hf(":scheme", "http"),
		hf(":authority", "backend:8080"),
		hf(":path", "/items"),
		hf("forwarded", `proto=https;host="front.example.com", proto=http;host=other`),
	}, func(c *Config) {
		c.RequestedURIDiscovery = &URIDiscovery{Types: []DiscoveryType{DiscoverForwarded}}
	})

	uri := req.RequestedURI()
	require.Equal(t, "https", uri.Scheme)
	require.Equal(t, "front.example.com", uri.Authority)
}

func TestRequestedURIXForwarded(t *testing.T) {
	req := mustServerRequest(t, []hpack.HeaderField{
		hf(":method", "GET"),
		hf(":scheme", "http"),
		hf(":authority", "backend:8080"),
		hf(":path", "/items"),
		hf("x-forwarded-proto", "https"),
		hf("x-forwarded-host", "front.example.com"),
		hf("x-forwarded-port", "8443"),
		hf("x-forwarded-prefix", "/api"),
	}, func(c *Config) {
		c.RequestedURIDiscovery = &URIDiscovery{Types: []DiscoveryType{DiscoverXForwarded}}
	})

	uri := req.RequestedURI()
	require.Equal(t, "https", uri.Scheme)
	require.Equal(t, "front.example.com:8443", uri.Authority)
	require.Equal(t, "/api/items", uri.Path)
}

func TestRequestedURIDiscoveryOrder(t *testing.T) {
	// forwarded is consulted before x-forwarded and wins per component
	req := mustServerRequest(t, []hpack.HeaderField{
		hf(":method", "GET"),
		hf(":path", "/items"),
		hf("forwarded", "proto=https"),
		hf("x-forwarded-proto", "http"),
		hf("x-forwarded-host", "front.example.com"),
	}, func(c *Config) {
		c.RequestedURIDiscovery = &URIDiscovery{Types: []DiscoveryType{DiscoverForwarded, DiscoverXForwarded}}
	})

	uri := req.RequestedURI()
	require.Equal(t, "https", uri.Scheme)
	require.Equal(t, "front.example.com", uri.Authority)
}

func TestToHTTPRequest(t *testing.T) {
	req := mustServerRequest(t, []hpack.HeaderField{
		hf(":method", "POST"),
		hf(":scheme", "https"),
		hf(":authority", "example.com"),
		hf(":path", "/a%20b?x=1"),
		hf("content-length", "3"),
	})

	hreq := req.toHTTP(t.Context(), nil)
	require.Equal(t, "POST", hreq.Method)
	require.Equal(t, "/a b", hreq.URL.Path)
	require.Equal(t, "/a%20b", hreq.URL.RawPath)
	require.Equal(t, "x=1", hreq.URL.RawQuery)
	require.Equal(t, "HTTP/2.0", hreq.Proto)
	require.Equal(t, "example.com", hreq.Host)
	require.Equal(t, "/a%20b?x=1", hreq.RequestURI)
	require.Equal(t, int64(3), hreq.ContentLength)
	require.Equal(t, "10.0.0.1:40000", hreq.RemoteAddr)
}
