package routing

import (
	"strings"

	"github.com/coder/airouter/translate"
)

// Extractor finds the subagent identity a request was sent on behalf of.
type Extractor func(req *translate.Request) (identity string, ok bool)

// HeaderExtractor reads the identity from a request header.
func HeaderExtractor(name string) Extractor {
	return func(req *translate.Request) (string, bool) {
		if req.Header == nil {
			return "", false
		}
		id := strings.TrimSpace(req.Header.Get(name))
		return id, id != ""
	}
}

// SystemTagExtractor looks for <tag>identity</tag> in the system prompt.
func SystemTagExtractor(tag string) Extractor {
	open, end := "<"+tag+">", "</"+tag+">"
	return func(req *translate.Request) (string, bool) {
		if tag == "" || req.Params == nil {
			return "", false
		}
		_, rest, ok := strings.Cut(req.Params.System.Text(), open)
		if !ok {
			return "", false
		}
		id, _, ok := strings.Cut(rest, end)
		id = strings.TrimSpace(id)
		return id, ok && id != ""
	}
}

// FirstOf returns the first identity any of extractors finds.
func FirstOf(extractors ...Extractor) Extractor {
	return func(req *translate.Request) (string, bool) {
		for _, ex := range extractors {
			if ex == nil {
				continue
			}
			if id, ok := ex(req); ok {
				return id, true
			}
		}
		return "", false
	}
}
