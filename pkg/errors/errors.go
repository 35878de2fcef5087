// Package errors 提供带错误码的业务错误
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error 业务错误
type Error struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	HTTPStatus int               `json:"-"`
	GRPCCode   codes.Code        `json:"-"`
	Cause      error             `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
	Stack      string            `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 实现 errors.Is 接口
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails 添加详情
func (e *Error) WithDetails(details map[string]string) *Error {
	newErr := e.Copy()
	if newErr.Details == nil {
		newErr.Details = make(map[string]string)
	}
	for k, v := range details {
		newErr.Details[k] = v
	}
	return newErr
}

// WithDetail 添加单个详情
func (e *Error) WithDetail(key, value string) *Error {
	return e.WithDetails(map[string]string{key: value})
}

// WithMessage 替换错误消息
func (e *Error) WithMessage(message string) *Error {
	newErr := e.Copy()
	newErr.Message = message
	return newErr
}

// WithMessagef 格式化替换错误消息
func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// Copy 复制错误
func (e *Error) Copy() *Error {
	newErr := &Error{
		Code:       e.Code,
		Message:    e.Message,
		HTTPStatus: e.HTTPStatus,
		GRPCCode:   e.GRPCCode,
		Cause:      e.Cause,
		Stack:      e.Stack,
	}
	if e.Details != nil {
		newErr.Details = make(map[string]string)
		for k, v := range e.Details {
			newErr.Details[k] = v
		}
	}
	return newErr
}

// JSON 返回 JSON 格式
func (e *Error) JSON() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// New 创建新错误
func New(code, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		GRPCCode:   codes.Internal,
	}
}

// NewWithStatus 创建带状态码的错误
func NewWithStatus(code, message string, httpStatus int, grpcCode codes.Code) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		GRPCCode:   grpcCode,
	}
}

// Wrap 包装错误
func Wrap(err *Error, cause error) *Error {
	newErr := err.Copy()
	newErr.Cause = cause
	newErr.Stack = getStack()
	return newErr
}

// Wrapf 包装错误并添加信息
func Wrapf(err *Error, format string, args ...interface{}) *Error {
	newErr := err.Copy()
	newErr.Message = fmt.Sprintf("%s: %s", err.Message, fmt.Sprintf(format, args...))
	newErr.Stack = getStack()
	return newErr
}

// WrapWithCause 包装错误并添加原因和信息
func WrapWithCause(err *Error, cause error, format string, args ...interface{}) *Error {
	newErr := err.Copy()
	newErr.Message = fmt.Sprintf("%s: %s", err.Message, fmt.Sprintf(format, args...))
	newErr.Cause = cause
	newErr.Stack = getStack()
	return newErr
}

// getStack 获取调用栈
func getStack() string {
	var pcs [32]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var builder strings.Builder
	for {
		frame, more := frames.Next()
		builder.WriteString(fmt.Sprintf("%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return builder.String()
}

// FromError 从标准错误转换
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr
	}

	return Wrap(ErrInternal, err)
}

// 通用错误码
var (
	ErrInternal           = NewWithStatus("INTERNAL_ERROR", "内部错误", http.StatusInternalServerError, codes.Internal)
	ErrInvalidRequest     = NewWithStatus("INVALID_REQUEST", "请求参数无效", http.StatusBadRequest, codes.InvalidArgument)
	ErrNotFound           = NewWithStatus("NOT_FOUND", "资源不存在", http.StatusNotFound, codes.NotFound)
	ErrConflict           = NewWithStatus("CONFLICT", "资源冲突", http.StatusConflict, codes.AlreadyExists)
	ErrServiceUnavailable = NewWithStatus("SERVICE_UNAVAILABLE", "服务不可用", http.StatusServiceUnavailable, codes.Unavailable)
	ErrTimeout            = NewWithStatus("TIMEOUT", "请求超时", http.StatusGatewayTimeout, codes.DeadlineExceeded)
	ErrCanceled           = NewWithStatus("CANCELED", "请求已取消", 499, codes.Canceled)
)

// 账务错误码
var (
	// 校验相关
	ErrInvalidAmount    = NewWithStatus("INVALID_AMOUNT", "金额无效", http.StatusBadRequest, codes.InvalidArgument)
	ErrInvalidAddress   = NewWithStatus("INVALID_ADDRESS", "地址无效", http.StatusBadRequest, codes.InvalidArgument)
	ErrInvalidReference = NewWithStatus("INVALID_REFERENCE", "业务单号无效", http.StatusBadRequest, codes.InvalidArgument)

	// 账户相关
	ErrUserNotFound        = NewWithStatus("USER_NOT_FOUND", "账户不存在", http.StatusNotFound, codes.NotFound)
	ErrInsufficientBalance = NewWithStatus("INSUFFICIENT_BALANCE", "余额不足", http.StatusPaymentRequired, codes.FailedPrecondition)

	// 存储相关，Unavailable / DeadlineExceeded 视为瞬态
	ErrStoreUnavailable = NewWithStatus("STORE_UNAVAILABLE", "存储暂不可用", http.StatusServiceUnavailable, codes.Unavailable)
	ErrDBTimeout        = NewWithStatus("DB_TIMEOUT", "数据库操作超时", http.StatusGatewayTimeout, codes.DeadlineExceeded)
	ErrDBTransaction    = NewWithStatus("DB_TRANSACTION_ERROR", "数据库事务失败", http.StatusInternalServerError, codes.Internal)
	ErrDuplicateKey     = NewWithStatus("DUPLICATE_KEY", "数据已存在", http.StatusConflict, codes.AlreadyExists)

	// 链上查询相关
	ErrChainOracle = NewWithStatus("CHAIN_ORACLE_ERROR", "链上查询失败", http.StatusServiceUnavailable, codes.Unavailable)
	ErrChainRevert = NewWithStatus("CHAIN_REVERT", "合约调用被回滚", http.StatusPreconditionFailed, codes.FailedPrecondition)

	// 对账相关
	ErrReconcileRunning = NewWithStatus("RECONCILE_RUNNING", "对账任务已在执行", http.StatusConflict, codes.Aborted)

	// 消息队列相关
	ErrMQPublish = NewWithStatus("MQ_PUBLISH_ERROR", "消息发布失败", http.StatusInternalServerError, codes.Internal)
	ErrMQConsume = NewWithStatus("MQ_CONSUME_ERROR", "消息消费失败", http.StatusInternalServerError, codes.Internal)
)

// ToGRPCError 转换为 gRPC 错误
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}

	var bizErr *Error
	if errors.As(err, &bizErr) {
		return status.Error(bizErr.GRPCCode, bizErr.Error())
	}

	return status.Error(codes.Internal, err.Error())
}

// ToHTTPStatus 获取 HTTP 状态码
func ToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var bizErr *Error
	if errors.As(err, &bizErr) {
		if bizErr.HTTPStatus != 0 {
			return bizErr.HTTPStatus
		}
	}

	return http.StatusInternalServerError
}

// Is 判断错误类型
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	return errors.Is(err, target)
}

// As 提取错误类型
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// GetCode 获取错误码
func GetCode(err error) string {
	if err == nil {
		return ""
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Code
	}
	return "UNKNOWN"
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool {
	return Is(err, ErrNotFound) || Is(err, ErrUserNotFound)
}

// IsValidation 判断是否为参数校验错误
func IsValidation(err error) bool {
	var bizErr *Error
	if !errors.As(err, &bizErr) {
		return false
	}
	return bizErr.GRPCCode == codes.InvalidArgument
}

// IsRetryable 判断错误是否可重试
// 校验失败、余额不足、账户不存在等确定性错误重试没有意义
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		switch bizErr.GRPCCode {
		case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.DeadlineExceeded:
			return true
		}
	}
	return false
}
