// Package routes 注册 /-/ 命名空间下的诊断接口。
package routes

import (
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/lifecycle"
	"github.com/any-hub/shellcache/internal/metrics"
)

// RuntimeStatus 是诊断接口需要的运行时只读视图。
type RuntimeStatus interface {
	State() lifecycle.State
	Controlling() bool
}

// Diagnostics 汇总诊断接口的依赖。
type Diagnostics struct {
	Version   string
	CacheName string
	Runtime   RuntimeStatus
	Storage   cache.Storage
	Metrics   *metrics.Collectors
}

type statusPayload struct {
	Version     string   `json:"version"`
	Cache       string   `json:"cache"`
	State       string   `json:"state"`
	Controlling bool     `json:"controlling"`
	Stores      []string `json:"stores"`
}

type storePayload struct {
	Name string   `json:"name"`
	Keys []string `json:"keys"`
}

// RegisterDiagnosticsRoutes 暴露 /-/status、/-/stores/:name 与 /-/metrics。
func RegisterDiagnosticsRoutes(app *fiber.App, diag Diagnostics) {
	if app == nil || diag.Storage == nil || diag.Runtime == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		names, err := diag.Storage.Keys(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		return c.JSON(statusPayload{
			Version:     diag.Version,
			Cache:       diag.CacheName,
			State:       string(diag.Runtime.State()),
			Controlling: diag.Runtime.Controlling(),
			Stores:      nonNil(names),
		})
	})

	app.Get("/-/stores/:name", func(c fiber.Ctx) error {
		name, err := url.PathUnescape(strings.TrimSpace(c.Params("name")))
		if err != nil || cache.ValidateName(name) != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_store_name"})
		}
		ctx := c.Context()
		ok, err := diag.Storage.Has(ctx, name)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "store_not_found"})
		}
		store, err := diag.Storage.Open(ctx, name)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		return c.JSON(storePayload{Name: name, Keys: encodeKeys(keys)})
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(diag.Metrics.Handler()))
}

func encodeKeys(keys []cache.Key) []string {
	result := make([]string, 0, len(keys))
	for _, key := range keys {
		result = append(result, key.String())
	}
	return result
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
