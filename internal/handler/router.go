package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type RouterDeps struct {
	Page      *PageHandler
	Attention *AttentionHandler
	Health    *HealthHandler
	Metrics   http.Handler
}

func RegisterRoutes(root *gin.RouterGroup, deps RouterDeps) {
	root.GET("/", deps.Page.Index)

	api := root.Group("/api")
	api.POST("/attention", deps.Attention.Analyze)
	api.GET("/health", deps.Health.Get)

	if deps.Metrics != nil {
		root.GET("/metrics", gin.WrapH(deps.Metrics))
	}
}
