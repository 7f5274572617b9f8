package middleware

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/pkg/errors"
	"streamgate/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ToAppError maps domain errors onto HTTP-aware application errors.
func ToAppError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case stderrors.Is(err, domain.ErrInvalidSource), stderrors.Is(err, domain.ErrInvalidProfile):
		return errors.WrapError(err, errors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrStreamNotFound):
		return errors.NewNotFoundError("stream")
	case stderrors.Is(err, domain.ErrSubscriberNotFound):
		return errors.NewNotFoundError("subscriber")
	case stderrors.Is(err, domain.ErrSegmentNotFound):
		return errors.NewNotFoundError("segment")
	case stderrors.Is(err, domain.ErrEngineMissing):
		return errors.NewEngineUnavailableError(err)
	case stderrors.Is(err, domain.ErrTooManySessions):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, "session limit reached", http.StatusServiceUnavailable).
			WithRetryAfter(5 * time.Second)
	case stderrors.Is(err, domain.ErrCreationFailed):
		return errors.WrapError(err, errors.ErrCodeConflict, "stream creation failed", http.StatusConflict)
	case stderrors.Is(err, domain.ErrManifestNotReady):
		return errors.WrapError(err, errors.ErrCodeStreamUnavailable, "manifest not ready", http.StatusServiceUnavailable).
			WithRetryAfter(time.Second)
	case stderrors.Is(err, domain.ErrStreamUnavailable), stderrors.Is(err, domain.ErrSessionClosed):
		return errors.NewStreamUnavailableError(err)
	case stderrors.Is(err, domain.ErrDeliveryMismatch):
		return errors.WrapError(err, errors.ErrCodeConflict, err.Error(), http.StatusConflict)
	case stderrors.Is(err, domain.ErrSessionActive):
		return errors.WrapError(err, errors.ErrCodeConflict, err.Error(), http.StatusConflict)
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, "request timed out", http.StatusServiceUnavailable)
	}
	return errors.WrapError(err, errors.ErrCodeInternal, "Internal server error", http.StatusInternalServerError)
}

// ErrorHandlerMiddleware renders the last error attached to the context
func ErrorHandlerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	cl := logger.NewContextLogger(log.Desugar())
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		appErr := ToAppError(err)

		if appErr.HTTPStatus >= http.StatusInternalServerError {
			cl.LogError(c.Request.Context(), err, "request failed",
				zap.String("code", string(appErr.Code)),
				zap.Int("status", appErr.HTTPStatus),
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method),
			)
		} else {
			log.Debugw("request rejected",
				"code", appErr.Code,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"error", err,
			)
		}

		if appErr.RetryAfter > 0 {
			secs := int(appErr.RetryAfter.Round(time.Second) / time.Second)
			c.Header("Retry-After", strconv.Itoa(max(secs, 1)))
		}

		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
