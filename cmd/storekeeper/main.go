package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/storekeeper/internal/pkg/cache"
	"github.com/ManuelReschke/storekeeper/internal/pkg/database"
	"github.com/ManuelReschke/storekeeper/internal/pkg/env"
	"github.com/ManuelReschke/storekeeper/internal/pkg/jobqueue"
	"github.com/ManuelReschke/storekeeper/internal/pkg/router"
)

func main() {
	app := NewApplication()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down...")
		jobqueue.GetManager().Stop()
		if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Printf("Shutdown: %v", err)
		}
		if err := cache.Close(); err != nil {
			log.Printf("Closing cache: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	if err := wireServices(context.Background(), database.GetDB()); err != nil {
		log.Fatalf("Wiring services: %v", err)
	}

	// Define possible base paths
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/storekeeper to project root
		"../../../", // Fallback
	}

	basePath := "./"
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public/docs/v1/openapi.yml"); err == nil {
			basePath = path
			break
		}
	}

	app := fiber.New(fiber.Config{
		AppName: "storekeeper",
		// receipts are base64 PKCS#7 blobs, well under 1 MiB
		BodyLimit:    1 << 20,
		ReadTimeout:  env.GetEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
		WriteTimeout: env.GetEnvDuration("HTTP_WRITE_TIMEOUT", 60*time.Second),
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: basePath + "public/docs/v1/openapi.yml",
		Path:     "v1",
		Title:    "storekeeper API",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app)

	return app
}
