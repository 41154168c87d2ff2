package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`              // 业务码
	Message string      `json:"message"`           // 提示信息
	Data    interface{} `json:"data"`              // 数据
	TraceID string      `json:"traceId,omitempty"` // 出错时便于按日志排查
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Code: CodeSuccess, Message: "success", Data: data})
}

// Error 错误响应
func Error(c *gin.Context, httpCode int, errCode int, msg string) {
	c.JSON(httpCode, failure(c, errCode, msg))
}

// Abort 错误响应并终止后续中间件
func Abort(c *gin.Context, httpCode int, errCode int, msg string) {
	c.AbortWithStatusJSON(httpCode, failure(c, errCode, msg))
}

func failure(c *gin.Context, errCode int, msg string) Response {
	return Response{Code: errCode, Message: msg, TraceID: c.GetString("traceID")}
}
