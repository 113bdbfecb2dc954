package translate

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// decodeBody replaces a gzip, deflate or zstd encoded response body with its
// decoded form. Other encodings are left untouched.
func decodeBody(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}

	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	var (
		r   io.ReadCloser
		err error
	)
	switch enc {
	case "gzip", "x-gzip":
		var gz *gzip.Reader
		gz, err = gzip.NewReader(resp.Body)
		r = gz
	case "deflate":
		r, err = zlib.NewReader(resp.Body)
	case "zstd":
		var zr *zstd.Decoder
		zr, err = zstd.NewReader(resp.Body, zstd.WithDecoderConcurrency(1))
		if err == nil {
			r = zr.IOReadCloser()
		}
	default:
		return nil
	}

	switch {
	case errors.Is(err, io.EOF):
		// Empty body.
		r = http.NoBody
	case err != nil:
		return fmt.Errorf("decode %s response body: %w", enc, err)
	}

	resp.Body = &decodedBody{ReadCloser: r, raw: resp.Body}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

type decodedBody struct {
	io.ReadCloser
	raw io.ReadCloser
}

func (b *decodedBody) Close() error {
	err := b.ReadCloser.Close()
	if rerr := b.raw.Close(); rerr != nil {
		return rerr
	}
	return err
}
