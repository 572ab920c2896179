package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/attnscope/internal/pkg/errors"
	"github.com/xxxsen/attnscope/internal/pkg/response"
)

func handleError(c *gin.Context, err error, maxTokens int) {
	if err == nil {
		return
	}
	requestID, _ := c.Get("request_id")
	logutil.GetLogger(c.Request.Context()).Warn("request failed",
		zap.Any("request_id", requestID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	)
	switch {
	case appErr.Is(err, appErr.ErrNoText):
		response.Error(c, http.StatusBadRequest, "No text provided")
	case appErr.Is(err, appErr.ErrTextTooLong):
		response.Error(c, http.StatusBadRequest, fmt.Sprintf("Text too long. Please limit to %d tokens.", maxTokens))
	case appErr.Is(err, appErr.ErrContextExceeded):
		response.Error(c, http.StatusBadRequest, "Text too long for the model context. Please shorten the text or generate fewer tokens.")
	case appErr.Is(err, appErr.ErrInvalid):
		response.Error(c, http.StatusBadRequest, "Invalid request body")
	case appErr.IsModelUnavailable(err):
		response.Error(c, http.StatusServiceUnavailable, err.Error())
	default:
		response.Error(c, http.StatusInternalServerError, err.Error())
	}
}
