package bundler

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HttpJsonResp[T any] struct {
	Data T `json:"data"`
}

// startHttpServer brings up the echo host: /rpc carries the JSON-RPC
// traffic, /up the health probe, /metrics the prometheus series, and
// /admin the JWT-guarded operator dumps.
func (b *Bundler) startHttpServer(ctx context.Context) error {
	rpcServer, err := b.newRpcServer()
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.POST("/rpc", echo.WrapHandler(rpcServer))

	e.GET("/up", func(c echo.Context) error {
		if b.status == runningStatus {
			return c.String(http.StatusOK, "up")
		}
		return c.String(http.StatusServiceUnavailable, "pending...")
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{})))

	admin := e.Group("/admin", b.adminAuth)
	admin.GET("/mempool", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &HttpJsonResp[interface{}]{
			Data: (&DebugAPI{b: b}).DumpMempool(),
		})
	})
	admin.GET("/reputation", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &HttpJsonResp[interface{}]{
			Data: b.reputation.Dump(),
		})
	})
	admin.GET("/status", func(c echo.Context) error {
		archived, _ := b.archive.Count()
		return c.JSON(http.StatusOK, &HttpJsonResp[map[string]interface{}]{
			Data: map[string]interface{}{
				"status":        b.status,
				"mempoolSize":   b.mempool.Count(),
				"archivedOps":   archived,
				"lastSeenBlock": b.events.LastBlock(),
				"bundlingMode":  b.execution.BundlingMode(),
			},
		})
	})

	addr := b.config.RpcBindAddress
	b.logger.Info("HTTP server listening", "address", addr)
	goSafe(b.logger, func() {
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			b.logger.Fatalf("HTTP server failed: %v", err)
		}
	})

	go func() {
		<-ctx.Done()
		_ = e.Shutdown(context.Background())
	}()

	return nil
}

// adminAuth verifies a Bearer token signed with the configured admin
// secret. No secret configured means no admin surface.
func (b *Bundler) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		secret := b.config.AdminJwtSecret
		if len(secret) == 0 {
			return c.String(http.StatusForbidden, "admin endpoints are disabled")
		}

		header := c.Request().Header.Get(echo.HeaderAuthorization)
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			return c.String(http.StatusUnauthorized, "missing bearer token")
		}

		_, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return secret, nil
		})
		if err != nil {
			return c.String(http.StatusUnauthorized, "invalid token")
		}
		return next(c)
	}
}
