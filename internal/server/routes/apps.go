package routes

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/asset-hub/asset-hub/internal/server"
	"github.com/asset-hub/asset-hub/internal/synchronizer"
)

// RouteOptions 控制诊断接口中写操作的访问方式。
type RouteOptions struct {
	// AdminToken 非空时写操作需携带 Authorization: Bearer <token>；为空时只接受回环地址。
	AdminToken string
}

// RegisterAppRoutes 暴露 /-/apps 诊断接口，供 SRE 查询应用实例状态并下发指令。
// GET 接口公开只读；POST 接口会改变实例状态，经 requireAdmin 校验。
func RegisterAppRoutes(app *fiber.App, registry *server.AppRegistry, opts RouteOptions) {
	if app == nil || registry == nil {
		return
	}
	guard := requireAdmin(opts.AdminToken)

	app.Get("/-/apps", func(c fiber.Ctx) error {
		ctx := requestContext(c)
		routes := registry.List()
		payload := make([]appPayload, 0, len(routes))
		for _, route := range routes {
			payload = append(payload, encodeApp(ctx, route))
		}
		return c.JSON(fiber.Map{"apps": payload})
	})

	app.Get("/-/apps/:name", func(c fiber.Ctx) error {
		route, ok := lookupApp(c, registry)
		if !ok {
			return renderAppNotFound(c)
		}
		return c.JSON(encodeApp(requestContext(c), route))
	})

	app.Post("/-/apps/:name/messages", guard, func(c fiber.Ctx) error {
		route, ok := lookupApp(c, registry)
		if !ok {
			return renderAppNotFound(c)
		}
		msg := strings.TrimSpace(string(c.Body()))
		if err := route.Runtime.Message(requestContext(c), msg); err != nil {
			return renderMessageError(c, err)
		}
		if msg == synchronizer.MessageDownloadOffline {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"message": msg, "status": "accepted"})
		}
		return c.JSON(encodeApp(requestContext(c), route))
	})

	app.Post("/-/apps/:name/install", guard, func(c fiber.Ctx) error {
		route, ok := lookupApp(c, registry)
		if !ok {
			return renderAppNotFound(c)
		}
		if err := registry.Install(requestContext(c), route.Config.Name); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":   "install_failed",
				"message": err.Error(),
				"status":  route.Runtime.Status(requestContext(c)),
			})
		}
		return c.JSON(encodeApp(requestContext(c), route))
	})
}

type appPayload struct {
	Name     string              `json:"name"`
	Domain   string              `json:"domain"`
	Upstream string              `json:"upstream"`
	Manifest string              `json:"manifest"`
	Status   synchronizer.Status `json:"status"`
}

func encodeApp(ctx context.Context, route *server.AppRoute) appPayload {
	return appPayload{
		Name:     route.Config.Name,
		Domain:   route.Config.Domain,
		Upstream: route.Origin(),
		Manifest: route.Config.Manifest,
		Status:   route.Runtime.Status(ctx),
	}
}

func lookupApp(c fiber.Ctx, registry *server.AppRegistry) (*server.AppRoute, bool) {
	return registry.Get(c.Params("name"))
}

func renderAppNotFound(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "app_not_found"})
}

func renderMessageError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, synchronizer.ErrUnknownMessage):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_message", "message": err.Error()})
	case errors.Is(err, synchronizer.ErrNoActiveInstance):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_active_instance"})
	case errors.Is(err, synchronizer.ErrClosed):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "app_closing"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "message_failed", "message": err.Error()})
	}
}

// requireAdmin 校验写操作的调用方：配置了令牌时比对 Bearer 令牌，否则只放行本机请求。
func requireAdmin(token string) fiber.Handler {
	return func(c fiber.Ctx) error {
		if token == "" {
			if isLoopback(c.IP()) {
				return c.Next()
			}
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "admin_forbidden"})
		}
		provided := bearerToken(c.Get(fiber.HeaderAuthorization))
		if provided != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(token)) == 1 {
			return c.Next()
		}
		c.Set(fiber.HeaderWWWAuthenticate, "Bearer")
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "admin_unauthorized"})
	}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
