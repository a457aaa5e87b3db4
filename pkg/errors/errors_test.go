package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// TestAppError_Is 測試錯誤碼比較
func TestAppError_Is(t *testing.T) {
	wrapped := fmt.Errorf("update member: %w", apperrors.ErrVersionConflict)

	assert.True(t, apperrors.IsConflict(wrapped))
	assert.True(t, stderrors.Is(wrapped, apperrors.New(apperrors.ErrCodeConflict, "any message")))
	assert.False(t, apperrors.IsNotFound(wrapped))
	assert.False(t, apperrors.IsConflict(stderrors.New("plain")))
}

// TestWithDetails_DoesNotMutate 測試預定義錯誤不被修改
func TestWithDetails_DoesNotMutate(t *testing.T) {
	detailed := apperrors.ErrInvalidParam.WithDetails("position is required")

	assert.Equal(t, "position is required", detailed.Details)
	assert.Empty(t, apperrors.ErrInvalidParam.Details)
	assert.True(t, apperrors.IsValidation(detailed))
}

// TestHTTPStatus 測試狀態碼映射
func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", apperrors.ErrInvalidParam, http.StatusBadRequest},
		{"not found", apperrors.ErrRoomNotFound, http.StatusNotFound},
		{"capacity", apperrors.ErrInvalidPosition, http.StatusConflict},
		{"unavailable", apperrors.ErrServiceUnavailable, http.StatusServiceUnavailable},
		{"unknown", stderrors.New("boom"), http.StatusInternalServerError},
		{"wrapped invalid user", fmt.Errorf("resolve: %w", apperrors.ErrInvalidUser), http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperrors.HTTPStatus(tt.err))
		})
	}
}

// TestCodeOf 測試錯誤碼提取
func TestCodeOf(t *testing.T) {
	assert.Equal(t, "", apperrors.CodeOf(nil))
	assert.Equal(t, apperrors.ErrCodeInternal, apperrors.CodeOf(stderrors.New("x")))
	assert.Equal(t, apperrors.ErrCodeStaleConnection, apperrors.CodeOf(apperrors.Wrap(stderrors.New("410"), apperrors.ErrCodeStaleConnection, "gone")))
}
