package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pdfchat/internal/bootstrap"
	"pdfchat/internal/transport/http/handler"
	"pdfchat/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.MaxMultipartMemory = 8 << 20

	checks := make(map[string]handler.Check)
	for name, check := range app.HealthChecks() {
		checks[name] = check
	}
	healthHandler := handler.NewHealthHandler(app.Config.App.Name, app.Config.App.Env, app.StartedAt, checks)
	router.GET("/healthz", healthHandler.Check)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authHandler := handler.NewAuthHandler(app.Auth)
	documentHandler := handler.NewDocumentHandler(app.Documents, app.Ingest, app.Config.MaxUploadBytes())
	sessionHandler := handler.NewSessionHandler(app.Chat)
	limiter := middleware.NewUserRateLimiter(app.Config.RateLimit.QueriesPerMinute, app.Config.RateLimit.Burst)
	auth := middleware.AuthJWT(app.Config.Auth.JWTSecret)

	v1 := router.Group("/api/v1")
	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.POST("/refresh", auth, authHandler.Refresh)
	authGroup.GET("/me", auth, authHandler.Me)

	documentGroup := v1.Group("/documents")
	documentGroup.Use(auth)
	documentGroup.POST("", documentHandler.Upload)
	documentGroup.GET("", documentHandler.List)
	documentGroup.GET("/:id", documentHandler.Get)
	documentGroup.GET("/:id/progress", documentHandler.Progress)
	documentGroup.POST("/:id/reingest", documentHandler.Reingest)
	documentGroup.PUT("/:id/tags", documentHandler.SetTags)
	documentGroup.POST("/:id/tags", documentHandler.AddTag)
	documentGroup.DELETE("/:id/tags/:tag", documentHandler.RemoveTag)
	documentGroup.DELETE("/:id", documentHandler.Delete)

	v1.GET("/tags", auth, documentHandler.ListTags)

	sessionGroup := v1.Group("/sessions")
	sessionGroup.Use(auth)
	sessionGroup.POST("", sessionHandler.Create)
	sessionGroup.GET("", sessionHandler.List)
	sessionGroup.DELETE("/:id", sessionHandler.Delete)
	sessionGroup.GET("/:id/messages", sessionHandler.History)
	sessionGroup.POST("/:id/messages", middleware.RateLimit(limiter), sessionHandler.SendMessage)
	sessionGroup.GET("/:id/export", sessionHandler.Export)

	return router
}
