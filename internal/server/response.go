package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shepherd-project/evolver/internal/types"
)

// getRequestID gets the request ID from context, returns "unknown" if not set
func getRequestID(c *gin.Context) string {
	if id := c.GetString(requestIDKey); id != "" {
		return id
	}
	return "unknown"
}

// success sends data in the ApiResponse envelope.
func success[T any](c *gin.Context, data T) {
	c.JSON(http.StatusOK, types.NewSuccessResponse(data, getRequestID(c)))
}

// failWithDetails sends an error in the ApiResponse envelope.
func failWithDetails(c *gin.Context, code types.ErrorCode, msg, details string) {
	c.JSON(code.HTTPStatusCode(), types.NewErrorResponseWithDetails(code, msg, details, getRequestID(c)))
}

// detail replies in the task endpoints' error shape, {"detail": ...}.
func detail(c *gin.Context, err error) {
	info := types.AsErrorInfo(err)
	c.Error(err)
	c.JSON(info.Code.HTTPStatusCode(), gin.H{"detail": message(info), "code": info.Code})
}

func message(info *types.ErrorInfo) string {
	if info.Details != "" {
		return info.Message + ": " + info.Details
	}
	return info.Message
}
