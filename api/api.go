package api

import (
	"context"
	"fmt"
	"net/http"

	"streamchat/common"
	"streamchat/emitter"
	"streamchat/llm"
	"streamchat/orchestrator"
	"streamchat/store"

	"github.com/gin-gonic/gin"
	zlog "github.com/rs/zerolog/log"
)

// Controller wires the HTTP layer to the chat services.
type Controller struct {
	storage      store.Storage
	providers    *llm.Registry
	emitters     *emitter.Registry
	orchestrator *orchestrator.Orchestrator
	config       common.Config
}

func NewController(storage store.Storage, providers *llm.Registry, emitters *emitter.Registry, orch *orchestrator.Orchestrator, config common.Config) Controller {
	return Controller{
		storage:      storage,
		providers:    providers,
		emitters:     emitters,
		orchestrator: orch,
		config:       config,
	}
}

func RunServer(ctrl Controller) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := DefineRoutes(ctrl)

	port := ctrl.config.Server.Port
	if port == 0 {
		port = 8855
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router.Handler(),
	}

	// Start server in a goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("failed to start API server")
		}
	}()

	return srv
}

func DefineRoutes(ctrl Controller) *gin.Engine {
	r := gin.Default()
	r.ForwardedByClientIP = true
	r.SetTrustedProxies(nil)

	allowedOrigins, err := GetAllowedOrigins(ctrl.config.Server.Port)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to parse allowed origins")
	}
	r.Use(CORSMiddleware(allowedOrigins))

	apiRoutes := r.Group("/api/v1")
	apiRoutes.GET("/health", ctrl.HealthHandler)
	apiRoutes.GET("/models", ctrl.GetModelsHandler)

	chatRoutes := apiRoutes.Group("/chat")
	chatRoutes.POST("/stream", ctrl.ChatStreamHandler)
	chatRoutes.POST("/stop", ctrl.StopStreamHandler)

	conversationRoutes := apiRoutes.Group("/conversations")
	conversationRoutes.POST("/", ctrl.CreateConversationHandler)
	conversationRoutes.GET("/", ctrl.GetConversationsHandler)
	conversationRoutes.GET("/:id", ctrl.GetConversationHandler)
	conversationRoutes.PUT("/:id/title", ctrl.UpdateConversationTitleHandler)
	conversationRoutes.DELETE("/:id", ctrl.DeleteConversationHandler)
	conversationRoutes.GET("/:id/messages", ctrl.GetMessagesHandler)

	return r
}

func (ctrl *Controller) ErrorHandler(c *gin.Context, status int, err error) {
	zlog.Error().Err(err).Int("status", status).Str("path", c.FullPath()).Msg("request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}

func (ctrl *Controller) HealthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), ctrl.config.Streaming.IdleTimeout())
	defer cancel()
	if err := ctrl.storage.CheckConnection(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (ctrl *Controller) GetModelsHandler(c *gin.Context) {
	models := ctrl.providers.ListAvailableModels()
	if models == nil {
		models = []llm.ModelInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}
