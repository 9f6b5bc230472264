package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"basegraph.app/parley/internal/http/dto"
	"basegraph.app/parley/internal/service"
)

// respondError maps service errors to explicit statuses. Anything unknown is
// logged and reported as a 500 without leaking details.
func respondError(c *gin.Context, err error) {
	ctx := c.Request.Context()

	var quotaErr *service.QuotaExceededError
	switch {
	case errors.As(err, &quotaErr):
		c.JSON(http.StatusPaymentRequired, dto.ToQuotaExceededResponse(quotaErr.Usage))
	case errors.Is(err, service.ErrInvalidMessage):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), ErrorCode: dto.ErrorCodeInvalidMessage})
	case errors.Is(err, service.ErrCharacterNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: err.Error(), ErrorCode: dto.ErrorCodeCharacterNotFound})
	case errors.Is(err, service.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: err.Error(), ErrorCode: dto.ErrorCodeConversationNotFound})
	default:
		slog.ErrorContext(ctx, "request failed", "error", err)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "internal server error", ErrorCode: dto.ErrorCodeInternal})
	}
}
