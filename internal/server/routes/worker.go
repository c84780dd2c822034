package routes

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/formqrapp/pwa-shell/internal/cache"
	"github.com/formqrapp/pwa-shell/internal/lifecycle"
)

// Updater 基于当前配置构建并安装新的 worker 版本。
type Updater func(ctx context.Context) error

// RegisterWorkerRoutes 暴露 /-/worker 与 /-/caches 诊断接口，供运维查询当前版本与缓存内容。
// update 为空时不注册手动更新接口。
func RegisterWorkerRoutes(app *fiber.App, registration *lifecycle.Registration, storage cache.Storage, update Updater) {
	if app == nil || registration == nil || storage == nil {
		return
	}

	app.Get("/-/worker", func(c fiber.Ctx) error {
		return c.JSON(registration.Status())
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		ctx := requestContext(c)
		names, err := storage.Keys(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_keys_failed"})
		}
		payload, err := encodeCaches(ctx, storage, names, registration.Active())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_keys_failed"})
		}
		return c.JSON(fiber.Map{"caches": payload})
	})

	app.Get("/-/caches/:name", func(c fiber.Ctx) error {
		ctx := requestContext(c)
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cache_name_required"})
		}
		store, err := storage.Lookup(ctx, name)
		if errors.Is(err, cache.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "cache_not_found"})
		}
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_lookup_failed"})
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_keys_failed"})
		}
		sort.Strings(keys)
		return c.JSON(cacheDetailPayload{Name: name, Entries: keys})
	})

	if update == nil {
		return
	}
	app.Post("/-/worker/update", func(c fiber.Ctx) error {
		if err := update(requestContext(c)); err != nil {
			status := fiber.StatusInternalServerError
			code := "worker_update_failed"
			var installErr *lifecycle.InstallError
			if errors.As(err, &installErr) {
				status = fiber.StatusBadGateway
				code = "worker_install_failed"
			}
			return c.Status(status).JSON(fiber.Map{"error": code, "detail": err.Error()})
		}
		return c.JSON(registration.Status())
	})
}

type cachePayload struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Role    string `json:"role,omitempty"`
}

type cacheDetailPayload struct {
	Name    string   `json:"name"`
	Entries []string `json:"entries"`
}

func encodeCaches(ctx context.Context, storage cache.Storage, names []string, active *lifecycle.Worker) ([]cachePayload, error) {
	sort.Strings(names)
	result := make([]cachePayload, 0, len(names))
	for _, name := range names {
		// 枚举与读取之间被 Activate 删除的缓存直接跳过，诊断接口不重建缓存。
		store, err := storage.Lookup(ctx, name)
		if errors.Is(err, cache.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return nil, err
		}
		result = append(result, cachePayload{Name: name, Entries: len(keys), Role: cacheRole(name, active)})
	}
	return result, nil
}

func cacheRole(name string, active *lifecycle.Worker) string {
	if active == nil {
		return ""
	}
	switch name {
	case active.StaticCache():
		return "static"
	case active.RuntimeCache():
		return "runtime"
	}
	return "stale"
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
