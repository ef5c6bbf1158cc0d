package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	_ "modernc.org/sqlite"

	"github.com/nao1215/calendario/internal/calendar"
	"github.com/nao1215/calendario/internal/config"
	"github.com/nao1215/calendario/internal/google"
	"github.com/nao1215/calendario/pkg/middleware"
)

// minIDTokenLength はリクエストとして受け付けるIDトークンの最小長。
// 明らかなゴミ入力を検証処理より手前で弾く。
const minIDTokenLength = 20

// verifyTimeout はGoogle IDトークン検証の上限時間。
// 鍵素材の取得がネットワークに依存するため、リクエストを
// 無期限に待たせず検証失敗として打ち切る。
const verifyTimeout = 10 * time.Second

// レート制限の方針。全体には緩い予算を、認証エンドポイントには
// クレデンシャルスタッフィング対策として狭い予算を適用する。
const (
	generalLimitWindow = 15 * time.Minute
	generalLimitMax    = 120
	authLimitWindow    = time.Minute
	authLimitMax       = 5
)

const (
	generalLimitMessage = "Too many requests, try again later."
	authLimitMessage    = "Too many login attempts, try again later."
)

// Server は認証ゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// db はカレンダーストアのSQLiteデータベース接続。
	db *sql.DB
	// store はカレンダーとイベントのストア。
	store *calendar.Store
	// verifier はGoogle IDトークンの検証器。
	verifier *google.Verifier
	// jwtSecret はセッショントークンの署名シークレット。
	jwtSecret string
	// tokenTTL はセッショントークンの有効期間。
	tokenTTL time.Duration
	// generalLimiter は全ルート共通のレートリミッタ。
	generalLimiter *middleware.RateLimiter
	// authLimiter は検証エンドポイント専用のレートリミッタ。
	authLimiter *middleware.RateLimiter
}

// NewServer は新しいゲートウェイサーバーを生成する。
// SQLiteデータベースの初期化とGoogle OIDCディスカバリを行う。
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.DatabasePath)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := calendar.InitSchema(sqlDB); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	decoder, err := google.NewOIDCDecoder(ctx)
	if err != nil {
		return nil, fmt.Errorf("Google IDトークンデコーダの初期化に失敗: %w", err)
	}

	verifier, err := google.NewVerifier(decoder, cfg.GoogleAudiences)
	if err != nil {
		return nil, fmt.Errorf("検証器の初期化に失敗: %w", err)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	if len(cfg.CORSOrigins) > 0 {
		router.Use(middleware.CORS(cfg.CORSOrigins))
	}

	s := &Server{
		router:         router,
		port:           cfg.Port,
		db:             sqlDB,
		store:          calendar.NewStore(sqlDB),
		verifier:       verifier,
		jwtSecret:      cfg.JWTSecret,
		tokenTTL:       cfg.TokenTTL,
		generalLimiter: middleware.NewRateLimiter(generalLimitWindow, generalLimitMax),
		authLimiter:    middleware.NewRateLimiter(authLimitWindow, authLimitMax),
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// ヘルスチェック。全体レート制限より先に登録し、制限と認証の
	// 対象外とする。
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	s.router.Use(middleware.RateLimit(s.generalLimiter, generalLimitMessage))

	// IDトークン検証。認証エンドポイント専用の厳しい制限を重ねる。
	s.router.POST("/auth/google/verify",
		middleware.RateLimit(s.authLimiter, authLimitMessage),
		s.handleVerify(),
	)

	s.router.GET("/me", middleware.SessionAuth(s.jwtSecret), s.handleMe())

	// ユーザー所有リソース。認証に加えて所有者一致を要求する。
	users := s.router.Group("/users/:user_id")
	users.Use(middleware.SessionAuth(s.jwtSecret))
	users.Use(middleware.RequireSameUser("user_id"))
	{
		users.GET("/calendars", s.handleListCalendars())
		users.POST("/calendars", s.handleCreateCalendar())
		users.PUT("/calendars/:calendar_id/visibility", s.handleSetCalendarVisibility())

		users.GET("/events", s.handleListEvents())
		users.GET("/events/bin", s.handleListDeletedEvents())
		users.POST("/events", s.handleCreateEvent())
		users.PUT("/events/:event_id", s.handleUpdateEvent())
		users.DELETE("/events/:event_id", s.handleDeleteEvent())
		users.POST("/events/:event_id/restore", s.handleRestoreEvent())
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

// verifyRequest はIDトークン検証リクエストのボディ。
type verifyRequest struct {
	// Provider はIDプロバイダ名。現状は"google"のみ受け付ける。
	Provider string `json:"provider"`
	// IDToken はGoogleが発行したIDトークン。
	IDToken string `json:"idToken"`
}

// handleVerify はGoogle IDトークンを検証しセッションを発行するハンドラを返す。
// 検証失敗の理由は意図的に区別せず、常に同一の401を返す。
// どの信頼判定で失敗したかを攻撃者に教えないための措置であり、
// メッセージを詳細化してはならない。
func (s *Server) handleVerify() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req verifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
			return
		}
		if req.Provider != "google" || len(req.IDToken) < minIDTokenLength {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), verifyTimeout)
		defer cancel()

		identity, err := s.verifier.Verify(ctx, req.IDToken)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Token validation failed"})
			return
		}

		accessToken, err := middleware.IssueSession(s.jwtSecret, *identity, s.tokenTTL)
		if err != nil {
			log.Printf("セッショントークンの発行に失敗: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"user": identity,
			"session": gin.H{
				"accessToken": accessToken,
				"tokenType":   "Bearer",
			},
		})
	}
}

// handleMe は認証済みユーザーの情報を返すハンドラを返す。
func (s *Server) handleMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.IdentityFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": identity})
	}
}

// handleListCalendars はユーザーのカレンダー一覧を返すハンドラを返す。
func (s *Server) handleListCalendars() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")
		calendars, err := s.store.ListCalendars(c.Request.Context(), userID)
		if err != nil {
			log.Printf("カレンダー一覧の取得に失敗: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": calendars, "userId": userID})
	}
}

// createCalendarRequest はカレンダー作成リクエストのボディ。
type createCalendarRequest struct {
	// Name はカレンダーの表示名。必須。
	Name string `json:"name" binding:"required"`
	// Color は表示色。省略可能。
	Color string `json:"color"`
	// IsVisible は一覧表示の対象とするか。省略時はtrue。
	IsVisible *bool `json:"isVisible"`
}

// handleCreateCalendar はカレンダーを作成するハンドラを返す。
func (s *Server) handleCreateCalendar() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createCalendarRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
			return
		}

		visible := true
		if req.IsVisible != nil {
			visible = *req.IsVisible
		}

		cal, err := s.store.CreateCalendar(c.Request.Context(), c.Param("user_id"), req.Name, req.Color, visible)
		if err != nil {
			log.Printf("カレンダーの作成に失敗: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		c.JSON(http.StatusCreated, cal)
	}
}

// setVisibilityRequest はカレンダー表示状態変更リクエストのボディ。
type setVisibilityRequest struct {
	// IsVisible は変更後の表示状態。必須。
	IsVisible *bool `json:"isVisible" binding:"required"`
}

// handleSetCalendarVisibility はカレンダーの表示状態を変更するハンドラを返す。
func (s *Server) handleSetCalendarVisibility() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req setVisibilityRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.IsVisible == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
			return
		}

		err := s.store.SetCalendarVisibility(c.Request.Context(), c.Param("user_id"), c.Param("calendar_id"), *req.IsVisible)
		if err != nil {
			s.writeStoreError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// handleListEvents は表示中カレンダーのイベント一覧を開始時刻順に返すハンドラを返す。
func (s *Server) handleListEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")
		events, err := s.store.ListEvents(c.Request.Context(), userID)
		if err != nil {
			log.Printf("イベント一覧の取得に失敗: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": events, "userId": userID})
	}
}

// handleListDeletedEvents はゴミ箱内のイベント一覧を返すハンドラを返す。
func (s *Server) handleListDeletedEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")
		events, err := s.store.ListDeletedEvents(c.Request.Context(), userID)
		if err != nil {
			log.Printf("ゴミ箱の取得に失敗: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": events, "userId": userID})
	}
}

// eventRequest はイベント作成・更新リクエストのボディ。
type eventRequest struct {
	// CalendarID は所属カレンダーの識別子。必須。
	CalendarID string `json:"calendarId" binding:"required"`
	// Title はイベントのタイトル。必須。
	Title string `json:"title" binding:"required"`
	// Description は詳細説明。省略可能。
	Description string `json:"description"`
	// Color は表示色。省略可能。
	Color string `json:"color"`
	// StartISO は開始時刻（RFC3339）。必須。
	StartISO string `json:"startISO" binding:"required"`
	// EndISO は終了時刻（RFC3339）。必須。
	EndISO string `json:"endISO" binding:"required"`
	// AllDay は終日イベントかどうか。
	AllDay bool `json:"allDay"`
	// Note はメモ。省略可能。
	Note string `json:"note"`
	// Location は場所。省略可能。
	Location string `json:"location"`
}

// params はリクエストボディをストアのパラメータに変換する。
// 時刻がRFC3339として解釈できない場合はエラーを返す。
func (r *eventRequest) params() (calendar.EventParams, error) {
	start, err := time.Parse(time.RFC3339, r.StartISO)
	if err != nil {
		return calendar.EventParams{}, fmt.Errorf("開始時刻の解析に失敗: %w", err)
	}
	end, err := time.Parse(time.RFC3339, r.EndISO)
	if err != nil {
		return calendar.EventParams{}, fmt.Errorf("終了時刻の解析に失敗: %w", err)
	}

	return calendar.EventParams{
		CalendarID:  r.CalendarID,
		Title:       r.Title,
		Description: r.Description,
		Color:       r.Color,
		Start:       start,
		End:         end,
		AllDay:      r.AllDay,
		Note:        r.Note,
		Location:    r.Location,
	}, nil
}

// handleCreateEvent はイベントを作成するハンドラを返す。
func (s *Server) handleCreateEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req eventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
			return
		}
		p, err := req.params()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
			return
		}

		event, err := s.store.CreateEvent(c.Request.Context(), c.Param("user_id"), p)
		if err != nil {
			s.writeStoreError(c, err)
			return
		}
		c.JSON(http.StatusCreated, event)
	}
}

// handleUpdateEvent はイベントを更新するハンドラを返す。
func (s *Server) handleUpdateEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req eventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
			return
		}
		p, err := req.params()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
			return
		}

		event, err := s.store.UpdateEvent(c.Request.Context(), c.Param("user_id"), c.Param("event_id"), p)
		if err != nil {
			s.writeStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, event)
	}
}

// handleDeleteEvent はイベントをソフトデリートするハンドラを返す。
func (s *Server) handleDeleteEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := s.store.DeleteEvent(c.Request.Context(), c.Param("user_id"), c.Param("event_id"))
		if err != nil {
			s.writeStoreError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// handleRestoreEvent はイベントをゴミ箱から復元するハンドラを返す。
func (s *Server) handleRestoreEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := s.store.RestoreEvent(c.Request.Context(), c.Param("user_id"), c.Param("event_id"))
		if err != nil {
			s.writeStoreError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// writeStoreError はストアのエラーをHTTPステータスに対応付ける。
func (s *Server) writeStoreError(c *gin.Context, err error) {
	if errors.Is(err, calendar.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}
	log.Printf("ストア操作に失敗: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}
