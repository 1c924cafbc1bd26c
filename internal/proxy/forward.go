package proxy

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"

	"github.com/apibuddy/api-buddy/internal/database"
)

// forwardResult is what the upstream leg hands back to the pipeline.
// upstreamOK is true only when body and status came from the upstream
// itself rather than from a routing or transport failure.
type forwardResult struct {
	status     int
	header     http.Header
	body       []byte
	upstreamOK bool
	domain     string
}

// hopByHopHeaders are stripped before forwarding. Content-Length is
// recomputed from the body we actually send.
var hopByHopHeaders = map[string]bool{
	"Host":           true,
	"Connection":     true,
	"Content-Length": true,
}

// forward resolves the logical domain from the first path segment, calls the
// upstream, decompresses the response, and records a metric row. Routing and
// transport failures come back as plain-text error responses.
func (p *Pipeline) forward(ctx context.Context, method, path, rawQuery string, body []byte, inHeader http.Header, logger *zap.Logger) forwardResult {
	name, rest, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if name == "" {
		return p.forwardError(ctx, "unknown", method, http.StatusBadRequest,
			http.StatusBadRequest, "Invalid request path")
	}

	mapping, ok := p.cfg.DomainMappings[name]
	if !ok {
		return p.forwardError(ctx, name, method, http.StatusNotFound,
			http.StatusNotFound, "Domain not mapped: "+name)
	}
	if mapping.Upstream == "" {
		return p.forwardError(ctx, name, method, http.StatusBadGateway,
			http.StatusBadGateway, "No upstream configured for domain: "+name)
	}

	target := strings.TrimRight(mapping.Upstream, "/") + "/" + rest
	if rawQuery != "" {
		target += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return p.forwardError(ctx, name, method, http.StatusBadGateway,
			http.StatusBadGateway, fmt.Sprintf("Upstream network error: %v", err))
	}
	for k, vs := range inHeader {
		if hopByHopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		logger.Warn("upstream request failed",
			zap.String("domain", name), zap.String("target", target), zap.Error(err))
		return p.forwardError(ctx, name, method, http.StatusBadGateway,
			http.StatusBadGateway, fmt.Sprintf("Upstream network error: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return p.forwardError(ctx, name, method, http.StatusInternalServerError,
			http.StatusBadGateway, fmt.Sprintf("Upstream server error: %v", err))
	}
	elapsed := time.Since(start)
	p.prom.observeUpstream(name, elapsed.Seconds())

	if resp.StatusCode >= 400 {
		logger.Warn("upstream returned an error status",
			zap.String("domain", name), zap.Int("status", resp.StatusCode))
		return p.forwardError(ctx, name, method, resp.StatusCode, http.StatusBadGateway,
			fmt.Sprintf("Upstream HTTP error: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)))
	}

	outHeader := resp.Header.Clone()
	if outHeader == nil {
		outHeader = http.Header{}
	}
	decoded, wasEncoded := decodeBody(data, outHeader.Get("Content-Encoding"))
	if wasEncoded {
		data = decoded
		outHeader.Del("Content-Encoding")
		outHeader.Del("Transfer-Encoding")
	} else {
		outHeader.Del("Transfer-Encoding")
	}
	outHeader.Set("Content-Length", strconv.Itoa(len(data)))

	p.recordMetric(ctx, database.MetricRow{
		Domain:            name,
		Method:            method,
		CacheHit:          false,
		ResponseTimeMs:    int(elapsed.Milliseconds()),
		ResponseSizeBytes: len(data),
		StatusCode:        resp.StatusCode,
	})

	return forwardResult{
		status:     resp.StatusCode,
		header:     outHeader,
		body:       data,
		upstreamOK: true,
		domain:     name,
	}
}

// forwardError records a metric row for the failure (metricStatus is what the
// upstream actually said, responseStatus is what the client sees) and builds
// the plain-text error response.
func (p *Pipeline) forwardError(ctx context.Context, domain, method string, metricStatus, responseStatus int, msg string) forwardResult {
	p.recordMetric(ctx, database.MetricRow{
		Domain:     domain,
		Method:     method,
		StatusCode: metricStatus,
	})
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return forwardResult{
		status: responseStatus,
		header: h,
		body:   []byte(msg),
		domain: domain,
	}
}

// decodeBody decompresses an upstream body. The gzip magic wins over the
// Content-Encoding header because some upstreams label gzip bodies
// incorrectly. Undecodable bodies pass through untouched.
func decodeBody(data []byte, contentEncoding string) ([]byte, bool) {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		if out, err := gunzip(data); err == nil {
			return out, true
		}
		return data, false
	}
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip":
		if out, err := gunzip(data); err == nil {
			return out, true
		}
	case "deflate":
		// Either zlib-wrapped or raw deflate, depending on the upstream.
		if out, err := unzlib(data); err == nil {
			return out, true
		}
		if out, err := inflateRaw(data); err == nil {
			return out, true
		}
	case "br":
		if out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data))); err == nil {
			return out, true
		}
	}
	return data, false
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func unzlib(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func inflateRaw(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}
