package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/nao1215/calendario/internal/google"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用の署名シークレット。
const testSecret = "test-secret-key-for-unit-tests"

// testIdentity はテスト用の検証済みIdentityを返す。
func testIdentity() google.Identity {
	return google.Identity{
		SubjectID:   "subject-123",
		Email:       "user@example.com",
		DisplayName: "Example User",
	}
}

// TestIssueSession はIssueSession関数を検証する。
func TestIssueSession(t *testing.T) {
	t.Parallel()

	t.Run("正常にセッショントークンを発行できること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := IssueSession(testSecret, testIdentity(), time.Hour)
		if err != nil {
			t.Fatalf("IssueSession()でエラーが発生: %v", err)
		}
		if tokenStr == "" {
			t.Fatal("IssueSession()が空文字列を返した")
		}

		claims := &SessionClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
			return []byte(testSecret), nil
		})
		if err != nil {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		if !token.Valid {
			t.Fatal("トークンが無効")
		}

		if claims.Subject != "subject-123" {
			t.Errorf("Subject = %q, want %q", claims.Subject, "subject-123")
		}
		if claims.Email != "user@example.com" {
			t.Errorf("Email = %q, want %q", claims.Email, "user@example.com")
		}
		if claims.Name != "Example User" {
			t.Errorf("Name = %q, want %q", claims.Name, "Example User")
		}
		if claims.Issuer != "calendario-auth-backend" {
			t.Errorf("Issuer = %q, want %q", claims.Issuer, "calendario-auth-backend")
		}
		if len(claims.Audience) != 1 || claims.Audience[0] != "calendario-app" {
			t.Errorf("Audience = %v, want [calendario-app]", claims.Audience)
		}
	})

	t.Run("有効期限がttl後に設定されること", func(t *testing.T) {
		t.Parallel()

		before := time.Now()
		tokenStr, err := IssueSession(testSecret, testIdentity(), 30*time.Minute)
		if err != nil {
			t.Fatalf("IssueSession()でエラーが発生: %v", err)
		}

		claims := &SessionClaims{}
		if _, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
			return []byte(testSecret), nil
		}); err != nil {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}

		expected := before.Add(30 * time.Minute)
		if claims.ExpiresAt.Time.Before(expected.Add(-1 * time.Minute)) {
			t.Errorf("ExpiresAt = %v, 期待する最小値: %v", claims.ExpiresAt.Time, expected.Add(-1*time.Minute))
		}
		if claims.ExpiresAt.Time.After(expected.Add(1 * time.Minute)) {
			t.Errorf("ExpiresAt = %v, 期待する最大値: %v", claims.ExpiresAt.Time, expected.Add(1*time.Minute))
		}
	})

	t.Run("署名アルゴリズムがHS256であること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := IssueSession(testSecret, testIdentity(), time.Hour)
		if err != nil {
			t.Fatalf("IssueSession()でエラーが発生: %v", err)
		}

		token, _, err := new(jwt.Parser).ParseUnverified(tokenStr, &SessionClaims{})
		if err != nil {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		if token.Method.Alg() != "HS256" {
			t.Errorf("署名アルゴリズム = %q, want %q", token.Method.Alg(), "HS256")
		}
	})
}

// TestValidateSession はValidateSession関数を検証する。
func TestValidateSession(t *testing.T) {
	t.Parallel()

	t.Run("発行したトークンからIdentityが復元できること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := IssueSession(testSecret, testIdentity(), time.Hour)
		if err != nil {
			t.Fatalf("IssueSession()でエラーが発生: %v", err)
		}

		identity, err := ValidateSession(testSecret, tokenStr)
		if err != nil {
			t.Fatalf("ValidateSession()でエラーが発生: %v", err)
		}

		if identity.SubjectID != "subject-123" {
			t.Errorf("SubjectID = %q, want %q", identity.SubjectID, "subject-123")
		}
		if identity.Email != "user@example.com" {
			t.Errorf("Email = %q, want %q", identity.Email, "user@example.com")
		}
		if identity.DisplayName != "Example User" {
			t.Errorf("DisplayName = %q, want %q", identity.DisplayName, "Example User")
		}
	})

	t.Run("期限切れトークンで検証が失敗すること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := IssueSession(testSecret, testIdentity(), -1*time.Minute)
		if err != nil {
			t.Fatalf("IssueSession()でエラーが発生: %v", err)
		}

		if _, err := ValidateSession(testSecret, tokenStr); !errors.Is(err, ErrSessionInvalid) {
			t.Errorf("err = %v, want ErrSessionInvalid", err)
		}
	})

	t.Run("異なるシークレットで検証が失敗すること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := IssueSession(testSecret, testIdentity(), time.Hour)
		if err != nil {
			t.Fatalf("IssueSession()でエラーが発生: %v", err)
		}

		if _, err := ValidateSession("another-secret", tokenStr); !errors.Is(err, ErrSessionInvalid) {
			t.Errorf("err = %v, want ErrSessionInvalid", err)
		}
	})

	t.Run("トークンを改竄すると検証が失敗すること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := IssueSession(testSecret, testIdentity(), time.Hour)
		if err != nil {
			t.Fatalf("IssueSession()でエラーが発生: %v", err)
		}

		// ペイロード部と署名部をそれぞれ1文字書き換える
		parts := strings.Split(tokenStr, ".")
		if len(parts) != 3 {
			t.Fatalf("トークンの形式が不正: %q", tokenStr)
		}
		for i := 1; i <= 2; i++ {
			tampered := make([]string, 3)
			copy(tampered, parts)
			b := []byte(tampered[i])
			if b[0] == 'A' {
				b[0] = 'B'
			} else {
				b[0] = 'A'
			}
			tampered[i] = string(b)

			if _, err := ValidateSession(testSecret, strings.Join(tampered, ".")); !errors.Is(err, ErrSessionInvalid) {
				t.Errorf("改竄部位 %d: err = %v, want ErrSessionInvalid", i, err)
			}
		}
	})

	t.Run("発行者が異なるトークンで検証が失敗すること", func(t *testing.T) {
		t.Parallel()

		tokenStr := signTestToken(t, SessionClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "subject-123",
				Issuer:    "other-backend",
				Audience:  jwt.ClaimStrings{"calendario-app"},
				IssuedAt:  jwt.NewNumericDate(time.Now()),
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})

		if _, err := ValidateSession(testSecret, tokenStr); !errors.Is(err, ErrSessionInvalid) {
			t.Errorf("err = %v, want ErrSessionInvalid", err)
		}
	})

	t.Run("オーディエンスが異なるトークンで検証が失敗すること", func(t *testing.T) {
		t.Parallel()

		tokenStr := signTestToken(t, SessionClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "subject-123",
				Issuer:    "calendario-auth-backend",
				Audience:  jwt.ClaimStrings{"other-app"},
				IssuedAt:  jwt.NewNumericDate(time.Now()),
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})

		if _, err := ValidateSession(testSecret, tokenStr); !errors.Is(err, ErrSessionInvalid) {
			t.Errorf("err = %v, want ErrSessionInvalid", err)
		}
	})

	t.Run("有効期限クレームが無いトークンで検証が失敗すること", func(t *testing.T) {
		t.Parallel()

		tokenStr := signTestToken(t, SessionClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:  "subject-123",
				Issuer:   "calendario-auth-backend",
				Audience: jwt.ClaimStrings{"calendario-app"},
				IssuedAt: jwt.NewNumericDate(time.Now()),
			},
		})

		if _, err := ValidateSession(testSecret, tokenStr); !errors.Is(err, ErrSessionInvalid) {
			t.Errorf("err = %v, want ErrSessionInvalid", err)
		}
	})

	t.Run("emailとnameが無い場合は空文字列として復元されること", func(t *testing.T) {
		t.Parallel()

		tokenStr := signTestToken(t, SessionClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "subject-123",
				Issuer:    "calendario-auth-backend",
				Audience:  jwt.ClaimStrings{"calendario-app"},
				IssuedAt:  jwt.NewNumericDate(time.Now()),
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})

		identity, err := ValidateSession(testSecret, tokenStr)
		if err != nil {
			t.Fatalf("ValidateSession()でエラーが発生: %v", err)
		}
		if identity.Email != "" {
			t.Errorf("Email = %q, want empty string", identity.Email)
		}
		if identity.DisplayName != "" {
			t.Errorf("DisplayName = %q, want empty string", identity.DisplayName)
		}
	})
}

// signTestToken はテスト用にクレームを直接署名する。
func signTestToken(t *testing.T, claims SessionClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("トークンの署名に失敗: %v", err)
	}
	return signed
}

// TestSessionAuth はSessionAuthミドルウェアを検証する。
func TestSessionAuth(t *testing.T) {
	t.Parallel()

	// newRouter はSessionAuth付きのテスト用ルーターを生成する。
	newRouter := func(handler gin.HandlerFunc) *gin.Engine {
		router := gin.New()
		router.Use(SessionAuth(testSecret))
		router.GET("/me", handler)
		return router
	}

	okHandler := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}

	t.Run("有効なトークンでリクエストが成功しIdentityが取得できること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := IssueSession(testSecret, testIdentity(), time.Hour)
		if err != nil {
			t.Fatalf("IssueSession()でエラーが発生: %v", err)
		}

		var captured google.Identity
		router := newRouter(func(c *gin.Context) {
			captured, _ = IdentityFromContext(c)
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+tokenStr)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if captured.SubjectID != "subject-123" {
			t.Errorf("SubjectID = %q, want %q", captured.SubjectID, "subject-123")
		}
		if got := w.Header().Get("X-User-ID"); got != "subject-123" {
			t.Errorf("X-User-ID = %q, want %q", got, "subject-123")
		}
	})

	t.Run("Authorizationヘッダーが無い場合401が返ること", func(t *testing.T) {
		t.Parallel()

		router := newRouter(okHandler)
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}

		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body["error"] != "Missing bearer token" {
			t.Errorf("error = %q, want %q", body["error"], "Missing bearer token")
		}
	})

	t.Run("Bearer接頭辞が無い場合401が返ること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := IssueSession(testSecret, testIdentity(), time.Hour)
		if err != nil {
			t.Fatalf("IssueSession()でエラーが発生: %v", err)
		}

		router := newRouter(okHandler)
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", tokenStr) // "Bearer "接頭辞なし
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("無効なトークンで401が返ること", func(t *testing.T) {
		t.Parallel()

		router := newRouter(okHandler)
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer not-a-valid-token")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}

		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body["error"] != "Invalid or expired token" {
			t.Errorf("error = %q, want %q", body["error"], "Invalid or expired token")
		}
	})

	t.Run("期限切れトークンで401が返ること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := IssueSession(testSecret, testIdentity(), -1*time.Minute)
		if err != nil {
			t.Fatalf("IssueSession()でエラーが発生: %v", err)
		}

		router := newRouter(okHandler)
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+tokenStr)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestRequireSameUser はRequireSameUserミドルウェアを検証する。
func TestRequireSameUser(t *testing.T) {
	t.Parallel()

	// newRouter はSessionAuth + RequireSameUser付きのテスト用ルーターを生成する。
	newRouter := func() *gin.Engine {
		router := gin.New()
		router.Use(SessionAuth(testSecret))
		router.GET("/users/:user_id/calendars", RequireSameUser("user_id"), func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		return router
	}

	t.Run("本人のリソースへのアクセスが許可されること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := IssueSession(testSecret, testIdentity(), time.Hour)
		if err != nil {
			t.Fatalf("IssueSession()でエラーが発生: %v", err)
		}

		req := httptest.NewRequest(http.MethodGet, "/users/subject-123/calendars", nil)
		req.Header.Set("Authorization", "Bearer "+tokenStr)
		w := httptest.NewRecorder()

		newRouter().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("他人のリソースへのアクセスで403が返ること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := IssueSession(testSecret, testIdentity(), time.Hour)
		if err != nil {
			t.Fatalf("IssueSession()でエラーが発生: %v", err)
		}

		req := httptest.NewRequest(http.MethodGet, "/users/someone-else/calendars", nil)
		req.Header.Set("Authorization", "Bearer "+tokenStr)
		w := httptest.NewRecorder()

		newRouter().ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}

		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body["error"] != "Forbidden" {
			t.Errorf("error = %q, want %q", body["error"], "Forbidden")
		}
	})

	t.Run("認証無しではSessionAuthが先に401を返すこと", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, "/users/subject-123/calendars", nil)
		w := httptest.NewRecorder()

		newRouter().ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("Identityが無いコンテキストでは403が返ること", func(t *testing.T) {
		t.Parallel()

		// SessionAuthを通さずRequireSameUserのみを適用する
		router := gin.New()
		router.GET("/users/:user_id/calendars", RequireSameUser("user_id"), func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		req := httptest.NewRequest(http.MethodGet, "/users/subject-123/calendars", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
	})
}
