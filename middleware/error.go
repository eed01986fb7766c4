package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	apperrors "quota-shortener/pkg/errors"
)

// ErrorHandler renders the last error attached to the context as
// {"error": message} and turns panics into a 500.
func ErrorHandler(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("panic recovered")

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			}
		}()

		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		appErr := apperrors.FromError(err)
		if appErr.Code >= http.StatusInternalServerError {
			logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		}

		c.JSON(appErr.Code, gin.H{"error": appErr.Message})
	}
}
