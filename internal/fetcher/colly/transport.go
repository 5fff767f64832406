package collyfetcher

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// acceptEncoding is advertised on every request. Colly decodes gzip bodies
// itself; brotli bodies are decoded here.
const acceptEncoding = "gzip, br"

// decodingTransport advertises compressed encodings and unwraps brotli bodies
// so the collector always sees plain bytes.
type decodingTransport struct {
	base http.RoundTripper
}

func newDecodingTransport(base http.RoundTripper) *decodingTransport {
	return &decodingTransport{base: base}
}

func (t *decodingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("decoding transport received nil request")
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("decoding transport roundtrip: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(resp.Header.Get("Content-Encoding")), "br") {
		return resp, nil
	}
	resp.Body = &brotliBody{
		reader: brotli.NewReader(resp.Body),
		closer: resp.Body,
	}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return resp, nil
}

type brotliBody struct {
	reader io.Reader
	closer io.Closer
}

func (b *brotliBody) Read(p []byte) (int, error) {
	n, err := b.reader.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w: %w", errBodyDecode, err)
	}
	return n, err
}

func (b *brotliBody) Close() error {
	return b.closer.Close()
}
