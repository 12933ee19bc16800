package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode 错误码类型
type ErrorCode int

// 错误码定义（按模块分组）
const (
	// 通用错误 (1000-1999)
	ErrUnknown       ErrorCode = 1000
	ErrInvalidParam  ErrorCode = 1001
	ErrNotFound      ErrorCode = 1002
	ErrAlreadyExists ErrorCode = 1003
	ErrTimeout       ErrorCode = 1005

	// 对局错误 (2000-2999)
	ErrGameNotStarted   ErrorCode = 2000
	ErrGameStateError   ErrorCode = 2004
	ErrRoomFull         ErrorCode = 2010
	ErrPlayerNotFound   ErrorCode = 2011
	ErrNotAuthenticated ErrorCode = 2012
	ErrRoomNotReady     ErrorCode = 2013

	// 通信错误 (4000-4999)
	ErrTransportBind ErrorCode = 4000
	ErrTransportSend ErrorCode = 4001
	ErrTransportRecv ErrorCode = 4002
	ErrTransportDown ErrorCode = 4003
	ErrResolve       ErrorCode = 4004
	ErrNotConnected  ErrorCode = 4005
	ErrMessageFormat ErrorCode = 4007

	// 配置错误 (6000-6999)
	ErrConfigLoad     ErrorCode = 6000
	ErrConfigParse    ErrorCode = 6001
	ErrConfigValidate ErrorCode = 6002
)

// 错误码消息映射
var errorMessages = map[ErrorCode]string{
	ErrUnknown:       "未知错误",
	ErrInvalidParam:  "无效的参数",
	ErrNotFound:      "资源未找到",
	ErrAlreadyExists: "资源已存在",
	ErrTimeout:       "操作超时",

	ErrGameNotStarted:   "对局未开始",
	ErrGameStateError:   "对局状态错误",
	ErrRoomFull:         "玩家数量已达上限",
	ErrPlayerNotFound:   "玩家不存在",
	ErrNotAuthenticated: "玩家未鉴权",
	ErrRoomNotReady:     "房间未准备就绪",

	ErrTransportBind: "传输层绑定失败",
	ErrTransportSend: "传输层发送失败",
	ErrTransportRecv: "传输层接收失败",
	ErrTransportDown: "传输层已关闭",
	ErrResolve:       "地址解析失败",
	ErrNotConnected:  "未连接",
	ErrMessageFormat: "消息格式错误",

	ErrConfigLoad:     "配置加载失败",
	ErrConfigParse:    "配置解析失败",
	ErrConfigValidate: "配置验证失败",
}

// AppError 应用错误结构
type AppError struct {
	Code    ErrorCode    `json:"code"`            // 错误码
	Message string       `json:"message"`         // 错误消息
	Details string       `json:"details"`         // 详细信息
	Cause   error        `json:"-"`               // 原始错误
	Stack   []StackFrame `json:"stack,omitempty"` // 调用栈
}

// StackFrame 调用栈帧
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// New 创建新的应用错误
func New(code ErrorCode, details ...string) *AppError {
	message, ok := errorMessages[code]
	if !ok {
		message = errorMessages[ErrUnknown]
	}

	err := &AppError{
		Code:    code,
		Message: message,
	}
	if len(details) > 0 {
		err.Details = strings.Join(details, "; ")
	}

	err.captureStack(2)
	return err
}

// Newf 创建格式化的应用错误
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包装错误，已经是AppError的保留原始错误码
func Wrap(err error, code ErrorCode, details ...string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		if len(details) > 0 {
			appErr.Details = strings.Join(details, "; ") + "; " + appErr.Details
		}
		return appErr
	}

	appErr = New(code, details...)
	appErr.Cause = err
	if appErr.Details == "" {
		appErr.Details = err.Error()
	}
	return appErr
}

// Is 判断错误链中是否含有指定错误码
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if err == nil || !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

// GetCode 获取错误码
func GetCode(err error) ErrorCode {
	if err == nil {
		return 0
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrUnknown
}

// captureStack 捕获调用栈
func (e *AppError) captureStack(skip int) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return
	}

	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()

		// 跳过runtime和本包的调用
		if strings.Contains(frame.Function, "runtime.") ||
			strings.Contains(frame.Function, "fsp-server/internal/errors.") {
			if !more {
				break
			}
			continue
		}

		e.Stack = append(e.Stack, StackFrame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})

		// 只保留前10个栈帧
		if !more || len(e.Stack) >= 10 {
			break
		}
	}
}

// GetStack 获取格式化的调用栈
func (e *AppError) GetStack() string {
	if len(e.Stack) == 0 {
		return ""
	}

	var builder strings.Builder
	for i, frame := range e.Stack {
		builder.WriteString(fmt.Sprintf("%d. %s\n   %s:%d\n",
			i+1, frame.Function, frame.File, frame.Line))
	}
	return builder.String()
}

// HTTPStatus 返回管理接口使用的HTTP状态码
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrInvalidParam, ErrMessageFormat:
		return 400
	case ErrNotFound, ErrPlayerNotFound:
		return 404
	case ErrAlreadyExists, ErrGameStateError, ErrRoomFull, ErrRoomNotReady, ErrGameNotStarted:
		return 409
	case ErrTimeout:
		return 408
	case ErrNotAuthenticated:
		return 401
	case ErrTransportBind, ErrTransportDown, ErrNotConnected:
		return 503
	default:
		return 500
	}
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case ErrTimeout,
		ErrTransportSend,
		ErrTransportDown,
		ErrResolve,
		ErrNotConnected:
		return true
	default:
		return false
	}
}
