// Package errors 提供多人連線服務的錯誤分類
//
// 所有對客戶端可見的失敗都以 AppError 表示，Code 會原樣送回客戶端，
// 讓客戶端可以依錯誤碼決定重試、提示或斷線。
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 實體不存在（房間、播放項目、譜面）
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeAlreadyJoined 使用者已在某個房間中
	ErrCodeAlreadyJoined = "ALREADY_JOINED"
	// ErrCodeNotJoined 使用者不在房間中
	ErrCodeNotJoined = "NOT_JOINED"
	// ErrCodeInvalidState 目前房間/使用者/項目狀態不允許此操作
	ErrCodeInvalidState = "INVALID_STATE"
	// ErrCodeInvalidStateChange 客戶端嘗試切換到伺服器保留的狀態
	ErrCodeInvalidStateChange = "INVALID_STATE_CHANGE"
	// ErrCodePermissionDenied 非房主執行房主限定操作
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	// ErrCodeVersionRejected 客戶端版本未知或已停用
	ErrCodeVersionRejected = "VERSION_REJECTED"
	// ErrCodeConnectionInvalid 過期或不相符的連線嘗試呼叫
	ErrCodeConnectionInvalid = "CONNECTION_INVALID"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is，只比較錯誤碼
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf 以格式化訊息創建錯誤
func Newf(code, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳帶有詳細資訊的副本（預定義錯誤為共用值，不能直接修改）
func (e *AppError) WithDetails(details string) *AppError {
	clone := *e
	clone.Details = details
	return &clone
}

// 預定義錯誤
var (
	// ErrNotFound 實體不存在
	ErrNotFound = New(ErrCodeNotFound, "entity not found")

	// ErrRoomNotFound 房間不存在或已結束
	ErrRoomNotFound = New(ErrCodeNotFound, "room not found")

	// ErrAlreadyJoined 已加入其他房間
	ErrAlreadyJoined = New(ErrCodeAlreadyJoined, "user is already in a room")

	// ErrNotJoined 尚未加入房間
	ErrNotJoined = New(ErrCodeNotJoined, "user is not in a room")

	// ErrInvalidState 狀態不允許
	ErrInvalidState = New(ErrCodeInvalidState, "operation not allowed in the current state")

	// ErrInvalidStateChange 保留狀態
	ErrInvalidStateChange = New(ErrCodeInvalidStateChange, "state change not allowed")

	// ErrNotHost 非房主
	ErrNotHost = New(ErrCodePermissionDenied, "only the host can perform this action")

	// ErrVersionRejected 版本被拒
	ErrVersionRejected = New(ErrCodeVersionRejected, "client version is not allowed")

	// ErrConnectionInvalid 連線狀態不相符
	ErrConnectionInvalid = New(ErrCodeConnectionInvalid, "state is not valid for this connection")
)

// InvalidState 創建帶有原因的 InvalidState 錯誤
func InvalidState(message string) *AppError {
	return New(ErrCodeInvalidState, message)
}

// InvalidStateChange 創建帶有原因的 InvalidStateChange 錯誤
func InvalidStateChange(message string) *AppError {
	return New(ErrCodeInvalidStateChange, message)
}

// CodeOf 取出錯誤碼，非 AppError 一律視為內部錯誤
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsAlreadyJoined 檢查是否為已加入錯誤
func IsAlreadyJoined(err error) bool {
	return hasCode(err, ErrCodeAlreadyJoined)
}

// IsNotJoined 檢查是否為未加入錯誤
func IsNotJoined(err error) bool {
	return hasCode(err, ErrCodeNotJoined)
}

// IsInvalidState 檢查是否為狀態錯誤
func IsInvalidState(err error) bool {
	return hasCode(err, ErrCodeInvalidState)
}

// IsInvalidStateChange 檢查是否為保留狀態錯誤
func IsInvalidStateChange(err error) bool {
	return hasCode(err, ErrCodeInvalidStateChange)
}

// IsPermissionDenied 檢查是否為權限錯誤
func IsPermissionDenied(err error) bool {
	return hasCode(err, ErrCodePermissionDenied)
}

// IsVersionRejected 檢查是否為版本錯誤
func IsVersionRejected(err error) bool {
	return hasCode(err, ErrCodeVersionRejected)
}

// IsConnectionInvalid 檢查是否為連線錯誤
func IsConnectionInvalid(err error) bool {
	return hasCode(err, ErrCodeConnectionInvalid)
}
