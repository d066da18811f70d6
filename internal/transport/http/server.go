package http

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gopherrag/internal/bootstrap"
	rabbitmqClient "gopherrag/internal/platform/rabbitmq"
	"gopherrag/internal/transport/http/handler"
	"gopherrag/internal/transport/http/middleware"
	"gopherrag/internal/transport/ws"
	"gopherrag/internal/worker"
)

// documentLifecycle joins ingestion and removal behind one handler dependency.
type documentLifecycle struct {
	*worker.IngestionWorker
	*worker.LifecycleWorker
}

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	cfg := app.Config
	healthHandler := handler.NewHealthHandler(cfg.App.Name, cfg.App.Env, app.StartedAt, healthChecks(app))
	router.GET("/healthz", healthHandler.Check)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{})))

	gateway := ws.NewGateway(app.Hub, app.Entities, app.Chat, cfg.Auth.JWTSecret, app.Logger)
	router.GET("/ws", gateway.Handle)

	workspaceHandler := handler.NewWorkspaceHandler(app.Entities, app.Lifecycle, app.Indexes)
	documentHandler := handler.NewDocumentHandler(app.Entities, app.Blobs, app.Parsers,
		documentLifecycle{app.Ingestion, app.Lifecycle}, cfg.Blob.MaxUploadMiB)
	chatHandler := handler.NewChatHandler(app.Chat, app.Entities)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.AuthJWT(cfg.Auth.JWTSecret))

	workspaces := v1.Group("/workspaces")
	workspaces.POST("", workspaceHandler.Create)
	workspaces.GET("", workspaceHandler.List)
	workspaces.GET("/:id", workspaceHandler.Get)
	workspaces.DELETE("/:id", workspaceHandler.Delete)
	workspaces.POST("/:id/documents", documentHandler.Upload)
	workspaces.GET("/:id/documents", documentHandler.List)

	documents := v1.Group("/documents")
	documents.GET("/:id", documentHandler.Get)
	documents.DELETE("/:id", documentHandler.Delete)

	chatGroup := v1.Group("/chat")
	chatGroup.POST("/messages", chatHandler.SendMessage)
	chatGroup.POST("/stream", chatHandler.StreamMessage)
	chatGroup.POST("/requests/:request_id/cancel", chatHandler.Cancel)
	chatGroup.GET("/sessions", chatHandler.ListSessions)
	chatGroup.GET("/sessions/:id/messages", chatHandler.GetHistory)

	return router
}

func healthChecks(app *bootstrap.App) map[string]handler.Check {
	checks := map[string]handler.Check{
		app.Config.MySQL.Driver: func(ctx context.Context) error {
			sqlDB, err := app.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"redis": func(ctx context.Context) error {
			return app.Redis.Ping(ctx).Err()
		},
	}
	if app.Config.RabbitMQ.Enabled {
		checks["rabbitmq"] = func(context.Context) error {
			return rabbitmqClient.Check(app.MQConn)
		}
	}
	return checks
}
