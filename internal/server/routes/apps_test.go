package routes

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/asset-hub/asset-hub/internal/cache"
	"github.com/asset-hub/asset-hub/internal/config"
	"github.com/asset-hub/asset-hub/internal/logging"
	"github.com/asset-hub/asset-hub/internal/server"
	"github.com/asset-hub/asset-hub/internal/synchronizer"
)

func TestAppRoutesListAndDetail(t *testing.T) {
	upstream := newUpstream(t)
	app, _ := newDiagnosticsApp(t, upstream.URL, false)

	mustStatus(t, doRequest(t, app, http.MethodPost, "/-/apps/shop/install", ""), fiber.StatusOK)

	resp := doRequest(t, app, http.MethodGet, "/-/apps", "")
	var list struct {
		Apps []appPayload `json:"apps"`
	}
	decode(t, resp, &list)
	if len(list.Apps) != 1 || list.Apps[0].Name != "shop" {
		t.Fatalf("unexpected apps payload: %+v", list.Apps)
	}
	status := list.Apps[0].Status
	if status.Active == nil || status.Active.State != synchronizer.StateActive {
		t.Fatalf("expected active instance, got %+v", status.Active)
	}
	if status.Active.Resources != 7 || status.Active.Core != 5 {
		t.Fatalf("unexpected counts: %+v", status.Active)
	}
	if status.Caches.Content != "shop-app-cache" {
		t.Fatalf("unexpected cache names: %+v", status.Caches)
	}

	resp = doRequest(t, app, http.MethodGet, "/-/apps/missing", "")
	mustStatus(t, resp, fiber.StatusNotFound)
}

func TestAppRoutesDownloadOffline(t *testing.T) {
	upstream := newUpstream(t)
	app, registry := newDiagnosticsApp(t, upstream.URL, false)

	resp := doRequest(t, app, http.MethodPost, "/-/apps/shop/messages", "downloadOffline")
	mustStatus(t, resp, fiber.StatusConflict)

	mustStatus(t, doRequest(t, app, http.MethodPost, "/-/apps/shop/install", ""), fiber.StatusOK)

	route, _ := registry.Get("shop")
	before := route.Runtime.Status(t.Context())
	if before.Active.Missing != 2 {
		t.Fatalf("expected 2 missing resources after install, got %d", before.Active.Missing)
	}

	resp = doRequest(t, app, http.MethodPost, "/-/apps/shop/messages", "downloadOffline")
	mustStatus(t, resp, fiber.StatusAccepted)
	route.Runtime.Wait()

	after := route.Runtime.Status(t.Context())
	if after.Active.Missing != 0 {
		t.Fatalf("expected full offline cache, %d missing", after.Active.Missing)
	}
}

func TestAppRoutesRejectUnknownMessage(t *testing.T) {
	upstream := newUpstream(t)
	app, _ := newDiagnosticsApp(t, upstream.URL, false)

	resp := doRequest(t, app, http.MethodPost, "/-/apps/shop/messages", "selfDestruct")
	mustStatus(t, resp, fiber.StatusBadRequest)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "unknown_message") {
		t.Fatalf("expected unknown_message, got %s", body)
	}
}

func TestAppRoutesSkipWaitingPromotesWaitingInstance(t *testing.T) {
	upstream := newUpstream(t)
	app, registry := newDiagnosticsApp(t, upstream.URL, true)

	mustStatus(t, doRequest(t, app, http.MethodPost, "/-/apps/shop/install", ""), fiber.StatusOK)
	route, _ := registry.Get("shop")
	if route.Runtime.Active() != nil || route.Runtime.Waiting() == nil {
		t.Fatalf("instance should wait for skipWaiting")
	}

	resp := doRequest(t, app, http.MethodPost, "/-/apps/shop/messages", "skipWaiting")
	var payload appPayload
	decode(t, resp, &payload)
	if payload.Status.Active == nil || payload.Status.Waiting != nil {
		t.Fatalf("expected promoted instance, got %+v", payload.Status)
	}
}

func TestAppRoutesInstallReportsMissingManifest(t *testing.T) {
	upstream := newUpstream(t)
	app, registry := newDiagnosticsApp(t, upstream.URL, false)
	route, _ := registry.Get("shop")
	route.Config.Manifest = "testdata/absent.json"

	resp := doRequest(t, app, http.MethodPost, "/-/apps/shop/install", "")
	mustStatus(t, resp, fiber.StatusInternalServerError)
}

func TestAppRoutesRequireAdminTokenForWrites(t *testing.T) {
	upstream := newUpstream(t)
	app, registry := newDiagnosticsApp(t, upstream.URL, false)

	for _, tc := range []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong", "Bearer nope"},
		{"scheme", "Basic " + testAdminToken},
	} {
		for _, target := range []string{"/-/apps/shop/install", "/-/apps/shop/messages"} {
			req := httptest.NewRequest(http.MethodPost, "http://admin.local"+target, strings.NewReader("skipWaiting"))
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test failed: %v", err)
			}
			mustStatus(t, resp, fiber.StatusUnauthorized)
			if got := resp.Header.Get("WWW-Authenticate"); got != "Bearer" {
				t.Fatalf("%s %s: expected bearer challenge, got %q", tc.name, target, got)
			}
		}
	}

	route, _ := registry.Get("shop")
	if status := route.Runtime.Status(t.Context()); status.Active != nil || status.Waiting != nil {
		t.Fatalf("rejected writes must not change state, got %+v", status)
	}

	// 只读接口无需令牌。
	req := httptest.NewRequest(http.MethodGet, "http://admin.local/-/apps/shop", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	mustStatus(t, resp, fiber.StatusOK)
}

func TestRequireAdminWithoutTokenAcceptsOnlyLoopback(t *testing.T) {
	guarded := fiber.New()
	guarded.Post("/", requireAdmin(""), func(c fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	// app.Test 的连接来自非回环地址。
	resp, err := guarded.Test(httptest.NewRequest(http.MethodPost, "/", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	mustStatus(t, resp, fiber.StatusForbidden)

	for ip, want := range map[string]bool{
		"127.0.0.1": true,
		"::1":       true,
		"192.0.2.1": false,
		"0.0.0.0":   false,
		"not-an-ip": false,
		"":          false,
	} {
		if got := isLoopback(ip); got != want {
			t.Fatalf("isLoopback(%q) = %v, want %v", ip, got, want)
		}
	}
}

func TestBearerToken(t *testing.T) {
	for header, want := range map[string]string{
		"Bearer abc":     "abc",
		"  Bearer  abc ": "abc",
		"Bearer ":        "",
		"Basic abc":      "",
		"":               "",
	} {
		if got := bearerToken(header); got != want {
			t.Fatalf("bearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("body of " + r.URL.Path))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newDiagnosticsApp(t *testing.T, upstream string, await bool) (*fiber.App, *server.AppRegistry) {
	t.Helper()
	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Apps: []config.AppConfig{
			{
				Name:             "shop",
				Domain:           "shop.local",
				Upstream:         upstream,
				Manifest:         "testdata/manifest.json",
				AwaitSkipWaiting: await,
			},
		},
	}
	registry, err := server.NewAppRegistry(server.RegistryOptions{
		Config:  cfg,
		Storage: cache.NewMemoryStore(),
		Logger:  logging.Discard(),
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:   logging.Discard(),
		Registry: registry,
		Proxy: server.ProxyHandlerFunc(func(c fiber.Ctx, _ *server.AppRoute) error {
			return c.SendStatus(fiber.StatusNoContent)
		}),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	RegisterAppRoutes(app, registry, RouteOptions{AdminToken: testAdminToken})
	return app, registry
}

const testAdminToken = "s3cret"

func doRequest(t *testing.T, app *fiber.App, method, target, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, "http://admin.local"+target, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func mustStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected status %d, got %d (body=%s)", want, resp.StatusCode, body)
	}
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	mustStatus(t, resp, fiber.StatusOK)
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}
