package api

import (
	"genrelay/config"
	"genrelay/upstream"

	"github.com/gin-gonic/gin"
)

func SetupRouter(client *upstream.Client, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	h := NewHandler(client, cfg)

	r.GET("/health", h.handleHealth)

	v1 := r.Group("/api/v1")
	v1.Use(CredentialMiddleware(cfg))
	{
		v1.POST("/jobs", h.handleCreateJob)
		v1.GET("/jobs/:jobId/stream", h.handleStreamJob)
		v1.POST("/jobs/:jobId/cancel", h.handleCancelJob)
	}
	return r
}
