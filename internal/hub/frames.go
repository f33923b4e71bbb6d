package hub

import (
	"encoding/json"
	"errors"

	apperrors "github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/errors"
)

// invocation 客戶端呼叫
//
//	{"id": "1", "method": "JoinRoom", "args": {"room_id": 42}}
type invocation struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// completion 呼叫結果，Result 與 Error 只會有一個
type completion struct {
	ID     string      `json:"id"`
	Result any         `json:"result,omitempty"`
	Error  *frameError `json:"error,omitempty"`
}

// frameError 回傳給客戶端的錯誤
type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// toFrameError 只有 AppError 的訊息會送給客戶端，其他錯誤一律視為內部錯誤
func toFrameError(err error) *frameError {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Code == apperrors.ErrCodeInternal {
		return &frameError{Code: apperrors.ErrCodeInternal, Message: "internal server error"}
	}
	return &frameError{Code: appErr.Code, Message: appErr.Message}
}

// decodeArgs 解析呼叫參數，沒有參數時回傳零值
func decodeArgs[T any](args json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 || string(args) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return v, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid arguments")
	}
	return v, nil
}
