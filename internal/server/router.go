package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/joejoethish/ecom-sub017/internal/handlers"
)

type RouterConfig struct {
	MigrationHandler *handlers.MigrationHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
		},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		api.POST("/migrations", cfg.MigrationHandler.StartMigration)
		api.GET("/migrations", cfg.MigrationHandler.ListMigrations)
		api.GET("/migrations/:id", cfg.MigrationHandler.GetMigration)
		api.GET("/migrations/:id/positions", cfg.MigrationHandler.GetPositions)
		api.POST("/migrations/:id/rollback", cfg.MigrationHandler.TriggerRollback)
	}

	return router
}
