package hub

import (
	"net/http"
	"strconv"

	apperrors "github.com/koopa0/system-design/14-multiplayer-coordinator/pkg/errors"
)

// 驗證閘道寫入的身分 header
const (
	UserIDHeader  = "X-User-Id"
	TokenIDHeader = "X-Token-Id"
)

// Identity 已驗證的連線身分
type Identity struct {
	UserID  int64
	TokenID string
}

// Authenticator 取得連線身分
//
// 這個服務不簽發也不驗證 token，只信任前面的驗證層。
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
	// TokenID 從客戶端刷新的 token 取出 token ID
	TokenID(token string) (string, error)
}

// HeaderAuthenticator 信任驗證閘道設定的 header
type HeaderAuthenticator struct{}

var _ Authenticator = HeaderAuthenticator{}

// Authenticate 讀取 X-User-Id 與 X-Token-Id
func (HeaderAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	raw := r.Header.Get(UserIDHeader)
	if raw == "" {
		return Identity{}, apperrors.New(apperrors.ErrCodeInvalidInput, "missing user id")
	}

	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return Identity{}, apperrors.Newf(apperrors.ErrCodeInvalidInput, "invalid user id %q", raw)
	}

	tokenID := r.Header.Get(TokenIDHeader)
	if tokenID == "" {
		return Identity{}, apperrors.New(apperrors.ErrCodeInvalidInput, "missing token id")
	}

	return Identity{UserID: userID, TokenID: tokenID}, nil
}

// TokenID 閘道已經把 token 換成 token ID
func (HeaderAuthenticator) TokenID(token string) (string, error) {
	if token == "" {
		return "", apperrors.New(apperrors.ErrCodeInvalidInput, "token is required")
	}
	return token, nil
}
