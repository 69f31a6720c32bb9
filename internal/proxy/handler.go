package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/asset-hub/asset-hub/internal/logging"
	"github.com/asset-hub/asset-hub/internal/server"
	"github.com/asset-hub/asset-hub/internal/synchronizer"
)

// cacheBypass 标记未经同步器处理、直接透传源站的响应。
const cacheBypass = "bypass"

// conditionalHeaders 在交给同步器前剔除，缓存条目必须是完整响应。
var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// Handler 把 GET 请求交给应用 Runtime 的 fetch 信号处理；
// 同步器拒绝拦截的请求与非 GET 请求原样透传到源站。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler with a shared logger.
func NewHandler(logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{logger: logger}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, route *server.AppRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if c.Method() != http.MethodGet {
		return h.passThrough(c, route, requestID, started)
	}

	req := buildSyncRequest(c, route)
	result, err := route.Runtime.Fetch(ctx, req)
	if err != nil {
		h.logResult(route, req.URL, requestID, 0, "", started, err)
		if errors.Is(err, synchronizer.ErrClosed) {
			return h.writeError(c, fiber.StatusServiceUnavailable, "app_closing")
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	if !result.Handled {
		return h.passThrough(c, route, requestID, started)
	}
	return h.writeResult(c, route, req.URL, result, requestID, started)
}

func (h *Handler) writeResult(
	c fiber.Ctx,
	route *server.AppRoute,
	upstream string,
	result synchronizer.Result,
	requestID string,
	started time.Time,
) error {
	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Set("X-Asset-Hub-Cache", string(result.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)
	h.logResult(route, upstream, requestID, resp.Status, string(result.Source), started, nil)
	return c.Send(resp.Body)
}

// passThrough 直接把请求转发到源站并流式回写，不触碰任何缓存。
func (h *Handler) passThrough(c fiber.Ctx, route *server.AppRoute, requestID string, started time.Time) error {
	upstream := route.Origin() + c.OriginalURL()
	req, err := h.buildUpstreamRequest(c, route, upstream)
	if err != nil {
		h.logResult(route, upstream, requestID, 0, cacheBypass, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp, err := route.Client.Do(req)
	if err != nil {
		h.logResult(route, upstream, requestID, 0, cacheBypass, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Asset-Hub-Cache", cacheBypass)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(route, upstream, requestID, resp.StatusCode, cacheBypass, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, upstream, requestID, resp.StatusCode, cacheBypass, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(c fiber.Ctx, route *server.AppRoute, upstream string) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream, bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = route.UpstreamURL.Host
	req.Header.Set("Host", route.UpstreamURL.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", routePort(route))

	if authHeader := buildCredentialHeader(route.Config.Username, route.Config.Password); authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	return req, nil
}

// buildSyncRequest 把 Fiber 请求转换为同步器请求，URL 指向应用源站。
func buildSyncRequest(c fiber.Ctx, route *server.AppRoute) *synchronizer.Request {
	header := http.Header{}
	server.CopyHeaders(header, fiberHeadersAsHTTP(c))
	header.Del("Host")
	for _, key := range conditionalHeaders {
		header.Del(key)
	}
	return &synchronizer.Request{
		Method: c.Method(),
		URL:    route.Origin() + c.OriginalURL(),
		Header: header,
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.AppRoute,
	upstream string,
	requestID string,
	status int,
	cacheSource string,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		route.Config.AuthMode(),
		cacheSource,
	)
	fields["action"] = "proxy"
	fields["upstream"] = upstream
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 首个值覆盖已有同名头，其余值追加，保留 Set-Cookie、Link 等多值头。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || key == "Content-Length" {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

func routePort(route *server.AppRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}

func buildCredentialHeader(username, password string) string {
	if username == "" || password == "" {
		return ""
	}
	token := username + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(token))
}
