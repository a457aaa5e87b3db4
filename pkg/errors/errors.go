// Package errors 提供房間同步服務的錯誤分類
//
// 錯誤碼決定了三件事：
//   - 是否由衝突重試迴圈重新執行（只有 CONFLICT）
//   - 對呼叫方是否可見
//   - 對應的 HTTP / WebSocket 狀態
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// 定義錯誤碼
const (
	// ErrCodeValidation 缺少或格式錯誤的輸入
	ErrCodeValidation = "VALIDATION"
	// ErrCodeNotFound 房間或成員不存在
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInvalidUser 連線尚未綁定到房間內的成員
	ErrCodeInvalidUser = "INVALID_USER"
	// ErrCodeAlreadyExists 條件建立時鍵已存在
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	// ErrCodeConflict 條件寫入的版本號不符
	ErrCodeConflict = "CONFLICT"
	// ErrCodeCapacity 房間已滿或座位已被佔用
	ErrCodeCapacity = "CAPACITY"
	// ErrCodeStaleConnection 投遞目標連線已失效
	ErrCodeStaleConnection = "STALE_CONNECTION"
	// ErrCodeUnauthorized 憑證無效
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeUnavailable 重試耗盡，稍後再試
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
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

// Is 實現 errors.Is（同錯誤碼即視為相同）
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

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 添加詳細資訊（回傳副本，預定義錯誤不會被修改）
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrInvalidParam 請求參數不完整
	ErrInvalidParam = New(ErrCodeValidation, "Invalid param")

	// ErrRoomNotFound 房間不存在
	ErrRoomNotFound = New(ErrCodeNotFound, "Invalid room")

	// ErrConnectionNotFound 連線沒有對應的房間紀錄
	ErrConnectionNotFound = New(ErrCodeNotFound, "connection not registered")

	// ErrInvalidUser 連線不屬於房間內任何成員
	ErrInvalidUser = New(ErrCodeInvalidUser, "Invalid user")

	// ErrRoomExists 房間 ID 衝突
	ErrRoomExists = New(ErrCodeAlreadyExists, "room already exists")

	// ErrVersionConflict 樂觀鎖版本不符
	ErrVersionConflict = New(ErrCodeConflict, "version conflict")

	// ErrMaxMembers 房間人數已達上限
	ErrMaxMembers = New(ErrCodeCapacity, "Max members reached")

	// ErrInvalidPosition 座位已被佔用或超出範圍
	ErrInvalidPosition = New(ErrCodeCapacity, "Invalid position")

	// ErrGone 連線已不存在
	ErrGone = New(ErrCodeStaleConnection, "connection gone")

	// ErrUnauthorized 憑證無效或過期
	ErrUnauthorized = New(ErrCodeUnauthorized, "Unauthorized")

	// ErrServiceUnavailable 重試次數用完
	ErrServiceUnavailable = New(ErrCodeUnavailable, "Service temporarily unavailable")
)

// CodeOf 取得錯誤碼，非 AppError 一律視為內部錯誤
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
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

// IsConflict 檢查是否為版本衝突
func IsConflict(err error) bool {
	return hasCode(err, ErrCodeConflict)
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsAlreadyExists 檢查是否為已存在錯誤
func IsAlreadyExists(err error) bool {
	return hasCode(err, ErrCodeAlreadyExists)
}

// IsStaleConnection 檢查是否為失效連線
func IsStaleConnection(err error) bool {
	return hasCode(err, ErrCodeStaleConnection)
}

// IsValidation 檢查是否為輸入錯誤
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeValidation)
}

// IsCapacity 檢查是否為容量錯誤
func IsCapacity(err error) bool {
	return hasCode(err, ErrCodeCapacity)
}

// IsUnavailable 檢查是否為服務不可用
func IsUnavailable(err error) bool {
	return hasCode(err, ErrCodeUnavailable)
}

// HTTPStatus 將錯誤碼映射為 HTTP 狀態碼
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case "":
		return http.StatusOK
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidUser, ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeAlreadyExists, ErrCodeConflict, ErrCodeCapacity:
		return http.StatusConflict
	case ErrCodeStaleConnection:
		return http.StatusGone
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
