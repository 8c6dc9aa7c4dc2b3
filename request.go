package bh2

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"
)

// ServerRequest is the request view of one stream: prologue, decoded
// headers, query and the requested URI as the client saw it. One request
// services exactly one stream end-to-end on a single handler goroutine; the
// routing path is mutable because the routing layer sets it later, and that
// is deliberate, the field is never shared across goroutines.
type ServerRequest struct {
	streamID  uint32
	method    string
	path      string
	rawQuery  string
	scheme    string
	authority string
	header    http.Header

	contentLength int64
	endStream     bool

	tls    bool
	remote net.Addr
	local  net.Addr

	discovery    URIDiscovery
	routingPath  string
	requestedURI *RequestedURI // lazily computed, cached
}

// RequestedURI is the URI the client originally requested, reconstructed
// from proxy-forwarded headers and the raw connection info.
type RequestedURI struct {
	Scheme    string
	Authority string
	Path      string
	Query     string
}

// newServerRequest validates a decoded header block per RFC 9113 section
// 8.3 and builds the request view for the stream.
func newServerRequest(
	streamID uint32, fields []hpack.HeaderField, endStream bool,
	cfg Config, tls bool, remote, local net.Addr,
) (*ServerRequest, error) {
	req := &ServerRequest{
		streamID:      streamID,
		header:        make(http.Header, len(fields)),
		contentLength: -1,
		endStream:     endStream,
		tls:           tls,
		remote:        remote,
		local:         local,
		discovery:     *cfg.RequestedURIDiscovery,
	}

	sawRegular := false
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") {
			if sawRegular {
				return nil, streamError(streamID, ErrCodeProtocol, "pseudo-header %q after regular headers", f.Name)
			}
			if err := req.setPseudoHeader(f.Name, f.Value); err != nil {
				return nil, err
			}

			continue
		}
		sawRegular = true

		if err := req.setHeader(f.Name, f.Value); err != nil {
			return nil, err
		}
	}

	if req.method == "" || req.path == "" {
		return nil, streamError(streamID, ErrCodeProtocol, "request misses :method or :path")
	}

	req.path, req.rawQuery, _ = strings.Cut(req.path, "?")
	if !cfg.DisablePathValidation {
		if err := validatePath(streamID, req.path); err != nil {
			return nil, err
		}
	}

	return req, nil
}

func (r *ServerRequest) setPseudoHeader(name, value string) error {
	var dst *string
	switch name {
	case ":method":
		dst = &r.method
	case ":path":
		dst = &r.path
	case ":scheme":
		dst = &r.scheme
	case ":authority":
		dst = &r.authority
	default:
		return streamError(r.streamID, ErrCodeProtocol, "unknown pseudo-header %q", name)
	}

	if *dst != "" {
		return streamError(r.streamID, ErrCodeProtocol, "duplicate pseudo-header %q", name)
	}
	if value == "" {
		return streamError(r.streamID, ErrCodeProtocol, "empty pseudo-header %q", name)
	}
	*dst = value

	return nil
}

func (r *ServerRequest) setHeader(name, value string) error {
	if strings.ToLower(name) != name {
		return streamError(r.streamID, ErrCodeProtocol, "header name %q is not lowercase", name)
	}

	switch name {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
		return streamError(r.streamID, ErrCodeProtocol, "connection-specific header %q", name)
	case "te":
		if value != "trailers" {
			return streamError(r.streamID, ErrCodeProtocol, "te header may only carry %q", "trailers")
		}
	case "content-length":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return streamError(r.streamID, ErrCodeProtocol, "malformed content-length %q", value)
		}
		r.contentLength = n
	}

	r.header.Add(name, value)

	return nil
}

// validatePath rejects paths the routing layer must never see: encoded or
// literal dot segments and control characters.
func validatePath(streamID uint32, path string) error {
	if !strings.HasPrefix(path, "/") && path != "*" {
		return streamError(streamID, ErrCodeProtocol, "path %q is not absolute", path)
	}

	for i := 0; i < len(path); i++ {
		if path[i] < 0x20 || path[i] == 0x7f {
			return streamError(streamID, ErrCodeProtocol, "path contains control character 0x%x", path[i])
		}
	}

	decoded, err := url.PathUnescape(path)
	if err != nil {
		return streamError(streamID, ErrCodeProtocol, "path %q is not percent-decodable", path)
	}
	for _, seg := range strings.Split(decoded, "/") {
		if seg == "." || seg == ".." {
			return streamError(streamID, ErrCodeProtocol, "path contains dot segment")
		}
	}

	return nil
}

// Method returns the request method.
func (r *ServerRequest) Method() string { return r.method }

// Path returns the request path without the query.
func (r *ServerRequest) Path() string { return r.path }

// Query returns the raw query string.
func (r *ServerRequest) Query() string { return r.rawQuery }

// Authority returns the :authority pseudo-header value.
func (r *ServerRequest) Authority() string { return r.authority }

// Header returns the decoded regular headers.
func (r *ServerRequest) Header() http.Header { return r.header }

// ContentLength returns the declared request body length, -1 when the
// client did not declare one.
func (r *ServerRequest) ContentLength() int64 { return r.contentLength }

// SetRoutingPath records the path as matched by the routing layer.
func (r *ServerRequest) SetRoutingPath(p string) { r.routingPath = p }

// RoutingPath returns the path as matched by the routing layer, empty until
// routing happened.
func (r *ServerRequest) RoutingPath() string { return r.routingPath }

// RequestedURI reconstructs the URI the client originally requested,
// consulting the configured discovery types in order. The result is
// computed on first access and cached; safe because one request lives on
// one goroutine.
func (r *ServerRequest) RequestedURI() RequestedURI {
	if r.requestedURI != nil {
		return *r.requestedURI
	}

	uri := RequestedURI{Path: r.path, Query: r.rawQuery}
	for _, dt := range r.discovery.Types {
		if uri.Scheme != "" && uri.Authority != "" {
			break
		}

		switch dt {
		case DiscoverForwarded:
			r.discoverForwarded(&uri)
		case DiscoverXForwarded:
			r.discoverXForwarded(&uri)
		case DiscoverHost:
			r.discoverHost(&uri)
		}
	}
	r.discoverHost(&uri) // fall back for components no discovery yielded

	r.requestedURI = &uri

	return uri
}

// discoverForwarded consults the first element of an RFC 7239 Forwarded
// header.
func (r *ServerRequest) discoverForwarded(uri *RequestedURI) {
	fwd := r.header.Get("forwarded")
	if fwd == "" {
		return
	}

	first, _, _ := strings.Cut(fwd, ",")
	for _, pair := range strings.Split(first, ";") {
		key, val, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found {
			continue
		}
		val = strings.Trim(val, `"`)

		switch strings.ToLower(key) {
		case "proto":
			if uri.Scheme == "" {
				uri.Scheme = val
			}
		case "host":
			if uri.Authority == "" {
				uri.Authority = val
			}
		}
	}
}

// discoverXForwarded consults the X-Forwarded-* header family.
func (r *ServerRequest) discoverXForwarded(uri *RequestedURI) {
	if uri.Scheme == "" {
		if proto := r.header.Get("x-forwarded-proto"); proto != "" {
			uri.Scheme = proto
		}
	}

	if uri.Authority == "" {
		if host := r.header.Get("x-forwarded-host"); host != "" {
			uri.Authority = host
			if port := r.header.Get("x-forwarded-port"); port != "" && !strings.Contains(host, ":") {
				uri.Authority = host + ":" + port
			}
		}
	}

	if prefix := r.header.Get("x-forwarded-prefix"); prefix != "" {
		uri.Path = prefix + uri.Path
	}
}

// discoverHost falls back to the authority pseudo-header and the raw socket
// information.
func (r *ServerRequest) discoverHost(uri *RequestedURI) {
	if uri.Scheme == "" {
		if r.scheme != "" {
			uri.Scheme = r.scheme
		} else if r.tls {
			uri.Scheme = "https"
		} else {
			uri.Scheme = "http"
		}
	}

	if uri.Authority == "" {
		if r.authority != "" {
			uri.Authority = r.authority
		} else if host := r.header.Get("host"); host != "" {
			uri.Authority = host
		} else if r.local != nil {
			uri.Authority = r.local.String()
		}
	}
}

// toHTTP materializes the stream request as a standard library request so
// the buffered handler plane can serve it.
func (r *ServerRequest) toHTTP(ctx context.Context, body io.ReadCloser) *http.Request {
	u := &url.URL{Path: r.path, RawQuery: r.rawQuery}
	if decoded, err := url.PathUnescape(r.path); err == nil && decoded != r.path {
		u.RawPath = r.path
		u.Path = decoded
	}

	req := &http.Request{
		Method:        r.method,
		URL:           u,
		Proto:         "HTTP/2.0",
		ProtoMajor:    2,
		ProtoMinor:    0,
		Header:        r.header,
		Body:          body,
		ContentLength: r.contentLength,
		Host:          r.authority,
		RequestURI:    r.path,
	}
	if r.rawQuery != "" {
		req.RequestURI += "?" + r.rawQuery
	}
	if r.remote != nil {
		req.RemoteAddr = r.remote.String()
	}

	return req.WithContext(ctx)
}
