package dispatch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/apirelay/apirelay/internal/util"
)

// TranslateRequest is the uniform JSON envelope accepted by the
// dispatch entry point.
type TranslateRequest struct {
	Service string            `json:"service"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   map[string]string `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`

	// UseCache defaults to true for GET requests when nil.
	UseCache *bool `json:"useCache,omitempty"`

	// CacheTTL overrides the service default, in seconds.
	CacheTTL int `json:"cacheTtl,omitempty"`

	// rawQuery and rawHeader override the envelope maps. The direct
	// URL form sets them to preserve multi-valued entries.
	rawQuery  url.Values
	rawHeader http.Header
}

// SetRawQuery overrides the envelope query with full multi-value data.
func (r *TranslateRequest) SetRawQuery(values url.Values) {
	r.rawQuery = values
}

// SetRawHeader overrides the envelope headers with full multi-value
// data.
func (r *TranslateRequest) SetRawHeader(header http.Header) {
	r.rawHeader = header
}

var allowedMethods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodHead:   {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

// Validate checks the envelope and normalizes the method to upper case.
func (r *TranslateRequest) Validate() error {
	if r.Service == "" {
		return fmt.Errorf("%w: service is required", util.ErrInvalidInput)
	}
	if r.Path == "" {
		return fmt.Errorf("%w: path is required", util.ErrInvalidInput)
	}

	r.Method = strings.ToUpper(r.Method)
	if _, ok := allowedMethods[r.Method]; !ok {
		return fmt.Errorf("%w: unsupported method %q", util.ErrInvalidInput, r.Method)
	}
	return nil
}

// QueryValues converts the envelope query map to url.Values.
func (r *TranslateRequest) QueryValues() url.Values {
	if r.rawQuery != nil {
		return r.rawQuery
	}
	if len(r.Query) == 0 {
		return nil
	}
	values := make(url.Values, len(r.Query))
	for k, v := range r.Query {
		values.Set(k, v)
	}
	return values
}

// HeaderValues converts the envelope header map to http.Header.
func (r *TranslateRequest) HeaderValues() http.Header {
	if r.rawHeader != nil {
		return r.rawHeader
	}
	if len(r.Headers) == 0 {
		return nil
	}
	header := make(http.Header, len(r.Headers))
	for k, v := range r.Headers {
		header.Set(k, v)
	}
	return header
}

// CacheEligible reports whether the request may be served from cache.
// Only GET requests are eligible, and an explicit useCache=false opts
// out.
func (r *TranslateRequest) CacheEligible() bool {
	if r.Method != http.MethodGet {
		return false
	}
	return r.UseCache == nil || *r.UseCache
}

// IsWriteVerb reports whether a successful call must invalidate the
// service's cache namespace.
func (r *TranslateRequest) IsWriteVerb() bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}
