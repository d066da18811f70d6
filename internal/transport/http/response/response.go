package response

import "github.com/gin-gonic/gin"

const (
	CodeOK                = 0
	CodeBadRequest        = 40000
	CodeEmptyMessage      = 40001
	CodeUnsupportedType   = 40002
	CodeUnauthorized      = 40100
	CodeSessionNotFound   = 40401
	CodeWorkspaceNotFound = 40402
	CodeDocumentNotFound  = 40403
	CodeWorkspaceNotReady = 40901
	CodeWorkspaceMismatch = 40902
	CodeTooLarge          = 41300
	CodeInternalServer    = 50000
	CodeNoIndexBackend    = 50100
	CodeBusy              = 50300
)

type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func OK(c *gin.Context, data interface{}) {
	c.JSON(200, APIResponse{
		Code:    CodeOK,
		Message: "ok",
		Data:    data,
	})
}

// Accepted reports that background work was queued.
func Accepted(c *gin.Context, data interface{}) {
	c.JSON(202, APIResponse{
		Code:    CodeOK,
		Message: "accepted",
		Data:    data,
	})
}

func Error(c *gin.Context, httpStatus, code int, message string) {
	c.JSON(httpStatus, APIResponse{
		Code:    code,
		Message: message,
	})
}
