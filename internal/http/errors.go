package http

import (
	"log"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wenwu/saas-platform/voucher-service/internal/apperr"
)

// respondError maps business errors to status codes. Anything that is not an
// *apperr.Error is logged and reported as 500 without internal details.
func respondError(c *gin.Context, err error) {
	ae, ok := apperr.As(err)
	if !ok {
		log.Printf("[HTTP] %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal"})
		return
	}

	body := gin.H{"error": ae.Message, "code": string(ae.Kind)}
	if ae.Status != "" {
		body["status"] = ae.Status
	}

	switch ae.Kind {
	case apperr.KindNotFound:
		c.JSON(http.StatusNotFound, body)
	case apperr.KindValidation:
		c.JSON(http.StatusBadRequest, body)
	case apperr.KindUnauthorized:
		c.JSON(http.StatusUnauthorized, body)
	case apperr.KindInvalidState, apperr.KindConflict:
		c.JSON(http.StatusConflict, body)
	case apperr.KindRateLimited:
		secs := int(math.Ceil(ae.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		body["retryAfter"] = secs
		c.JSON(http.StatusTooManyRequests, body)
	default:
		c.JSON(http.StatusInternalServerError, body)
	}
}

// bindError reports a malformed request body as a validation error.
func bindError(c *gin.Context, err error) {
	respondError(c, apperr.Validation("%s", err.Error()))
}
