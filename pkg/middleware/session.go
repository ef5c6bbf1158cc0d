package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/nao1215/calendario/internal/google"
)

// sessionIssuer はこのゲートウェイが発行するセッショントークンのissクレーム。
const sessionIssuer = "calendario-auth-backend"

// sessionAudience はセッショントークンを受け入れるクライアントのaudクレーム。
const sessionAudience = "calendario-app"

// headerKeyUserID は認証済みユーザーIDを応答に付与するHTTPヘッダーキー。
const headerKeyUserID = "X-User-ID"

// contextKeyIdentity はGinコンテキストに検証済みIdentityを格納するキー。
const contextKeyIdentity = "identity"

// ErrSessionInvalid はセッショントークンの検証失敗を表す。
// 署名不正・発行者不一致・オーディエンス不一致・期限切れのいずれも
// このエラーに収束させ、失敗理由を呼び出し側に区別させない。
var ErrSessionInvalid = errors.New("middleware: invalid or expired session token")

// SessionClaims はセッショントークンのクレーム（ペイロード）を表す。
type SessionClaims struct {
	jwt.RegisteredClaims
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Name はユーザーの表示名。
	Name string `json:"name"`
}

// IssueSession は検証済みIdentityからセッショントークンを発行する。
// 有効期限はttlで指定する。呼び出し側（リクエスト）からは指定させない。
// サーバー側に状態は残らず、トークン自身がセッションのすべてを運ぶ。
func IssueSession(secret string, identity google.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.SubjectID,
			Issuer:    sessionIssuer,
			Audience:  jwt.ClaimStrings{sessionAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: identity.Email,
		Name:  identity.DisplayName,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("セッショントークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ValidateSession はセッショントークンを検証し、Identityを復元する。
// 署名・発行者・オーディエンス・有効期限のすべてを確認する。
// 復元は信頼判定ではないため、emailとnameが欠けていても空文字列に
// 丸めて受け入れる。いずれかの検証に失敗した場合はErrSessionInvalidを返す。
func ValidateSession(secret, tokenString string) (google.Identity, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(_ *jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithAudience(sessionAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return google.Identity{}, ErrSessionInvalid
	}

	return google.Identity{
		SubjectID:   claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.Name,
	}, nil
}

// SessionAuth はセッショントークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに検証済みIdentityを設定する。
func SessionAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing bearer token",
			})
			return
		}

		identity, err := ValidateSession(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired token",
			})
			return
		}

		c.Set(contextKeyIdentity, identity)
		c.Header(headerKeyUserID, identity.SubjectID)
		c.Next()
	}
}

// IdentityFromContext はGinコンテキストから検証済みIdentityを取得する。
// SessionAuthミドルウェアが事前に適用されている必要がある。
func IdentityFromContext(c *gin.Context) (google.Identity, bool) {
	v, ok := c.Get(contextKeyIdentity)
	if !ok {
		return google.Identity{}, false
	}
	identity, ok := v.(google.Identity)
	return identity, ok
}

// RequireSameUser はパスパラメータのユーザーIDと認証済みIdentityの
// 一致を要求するGinミドルウェアを返す。所有者一致のみが認可規則であり、
// ロールや委譲は存在しない。不一致はすべて403で拒否する。
func RequireSameUser(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := IdentityFromContext(c)
		requested := c.Param(paramName)
		if !ok || identity.SubjectID == "" || requested == "" || identity.SubjectID != requested {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Forbidden",
			})
			return
		}
		c.Next()
	}
}
