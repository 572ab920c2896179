package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	appErr "github.com/xxxsen/attnscope/internal/pkg/errors"
	"github.com/xxxsen/attnscope/internal/pkg/response"
	"github.com/xxxsen/attnscope/internal/service"
)

type AttentionHandler struct {
	attention *service.AttentionService
}

func NewAttentionHandler(attention *service.AttentionService) *AttentionHandler {
	return &AttentionHandler{attention: attention}
}

type attentionRequest struct {
	Text     string `json:"text"`
	Generate int    `json:"generate"`
}

func (h *AttentionHandler) Analyze(c *gin.Context) {
	maxTokens := h.attention.Limits().MaxTokens
	var req attentionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, appErr.ErrInvalid, maxTokens)
		return
	}
	result, err := h.attention.Analyze(c.Request.Context(), req.Text, req.Generate)
	if err != nil {
		handleError(c, err, maxTokens)
		return
	}
	response.Success(c, http.StatusOK, result)
}

type HealthHandler struct {
	attention *service.AttentionService
}

func NewHealthHandler(attention *service.AttentionService) *HealthHandler {
	return &HealthHandler{attention: attention}
}

func (h *HealthHandler) Get(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{
		"status":       "ok",
		"model_loaded": h.attention.Loaded(),
	})
}
