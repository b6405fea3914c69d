package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/apirelay/apirelay/internal/authz"
	"github.com/apirelay/apirelay/internal/cache"
	"github.com/apirelay/apirelay/internal/dispatch"
	"github.com/apirelay/apirelay/internal/health"
	"github.com/apirelay/apirelay/internal/observability"
	"github.com/apirelay/apirelay/internal/util"
)

// handleTranslate serves the JSON envelope form of the dispatch entry
// point.
func (s *Server) handleTranslate(c *gin.Context) {
	var req dispatch.TranslateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, util.ErrInvalidInput, c.Request.URL.Path)
		return
	}

	principal, ok := s.principal(c)
	if !ok {
		return
	}

	resp, err := s.dispatcher.Dispatch(c.Request.Context(), &req, principal)
	if err != nil {
		s.writeError(c, err, req.Path)
		return
	}
	s.writeResponse(c, resp)
}

// handleDirect serves the URL form: method, service, and path come
// from the request line instead of an envelope.
func (s *Server) handleDirect(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.writeError(c, util.ErrInvalidInput, c.Request.URL.Path)
		return
	}

	req := &dispatch.TranslateRequest{
		Service: c.Param("service"),
		Method:  c.Request.Method,
		Path:    c.Param("path"),
		Body:    body,
	}
	req.SetRawQuery(c.Request.URL.Query())
	req.SetRawHeader(forwardableHeader(c.Request.Header))

	principal, ok := s.principal(c)
	if !ok {
		return
	}

	resp, err := s.dispatcher.Dispatch(c.Request.Context(), req, principal)
	if err != nil {
		s.writeError(c, err, c.Request.URL.Path)
		return
	}
	s.writeResponse(c, resp)
}

func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, s.checker.Liveness())
}

func (s *Server) handleReadiness(c *gin.Context) {
	resp := s.checker.Readiness(c.Request.Context())
	c.JSON(health.HTTPStatus(resp.Status), resp)
}

// handleCacheInvalidate drops every cached entry of a service.
func (s *Server) handleCacheInvalidate(c *gin.Context) {
	service := c.Param("service")
	if _, known := s.services[service]; !known {
		s.writeError(c, util.NewRouteNotFoundError(service, c.Request.Method, c.Request.URL.Path),
			c.Request.URL.Path)
		return
	}

	if s.cache != nil {
		removed, err := s.cache.RemoveByPrefix(c.Request.Context(), cache.Namespace(service))
		if err != nil {
			s.logger.Warn("cache invalidation incomplete",
				observability.String("service", service),
				observability.Int("removed", removed),
				observability.Error(err),
			)
		}
	}

	c.Status(http.StatusNoContent)
}

// principal authenticates the caller. A missing Authorization header is
// anonymous; a present but invalid token is rejected outright.
func (s *Server) principal(c *gin.Context) (*authz.Principal, bool) {
	if s.parser == nil {
		return nil, true
	}

	header := c.GetHeader("Authorization")
	if header == "" {
		return nil, true
	}

	token, ok := authz.ExtractBearer(header)
	if !ok {
		s.writeError(c, util.ErrUnauthorized, c.Request.URL.Path)
		return nil, false
	}

	principal, err := s.parser.Parse(c.Request.Context(), token)
	if err != nil {
		s.writeError(c, err, c.Request.URL.Path)
		return nil, false
	}
	return principal, true
}

// writeResponse passes the backend response through verbatim. The
// gateway adds no headers of its own; cache hits are visible through
// the metrics endpoint instead.
func (s *Server) writeResponse(c *gin.Context, resp *dispatch.Response) {
	for name, values := range resp.Header {
		for _, value := range values {
			c.Writer.Header().Add(name, value)
		}
	}

	c.Status(resp.StatusCode)
	_, _ = c.Writer.Write(resp.Body)
}

// writeError renders the uniform error body, adding Retry-After for
// rejections that carry a hint.
func (s *Server) writeError(c *gin.Context, err error, path string) {
	status, body := dispatch.NewErrorBody(err, path)
	if body.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	c.AbortWithStatusJSON(status, body)
}

// forwardableHeader strips hop-by-hop fields and gateway-consumed
// headers before the request goes upstream.
func forwardableHeader(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range []string{
		"Connection", "Keep-Alive", "Proxy-Authenticate",
		"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding",
		"Upgrade", "Authorization", "Host", "Content-Length",
	} {
		out.Del(name)
	}
	for name := range out {
		if strings.HasPrefix(name, "X-Ratelimit-") {
			out.Del(name)
		}
	}
	return out
}
