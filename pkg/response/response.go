package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

// 业务错误码
const (
	CodeInsufficientPoints = 1001
	CodeUnsupportedTool    = 1002
	CodeUpstreamFailed     = 1003
	CodeAlreadyCheckedIn   = 1004
	CodeUserNotFound       = 1005
	CodeRecordNotFound     = 1006
	CodeOrderNotFound      = 1007
	CodeProductNotFound    = 1008
	CodePaymentFailed      = 1009
)

type Response struct {
	Code     int         `json:"code"`
	Message  string      `json:"message"`
	Data     interface{} `json:"data,omitempty"`
	NoPoints bool        `json:"noPoints,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}

// InsufficientPoints 积分不足，客户端根据 noPoints 引导充值
func InsufficientPoints(c *gin.Context, message string) {
	c.JSON(http.StatusOK, Response{
		Code:     CodeInsufficientPoints,
		Message:  message,
		NoPoints: true,
	})
}

// Unauthorized 缺少身份时返回真实的 401
func Unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, Response{
		Code:    CodeUnauthorized,
		Message: message,
	})
}
