package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// rateWindow は単一キーの固定ウィンドウ計数状態。
type rateWindow struct {
	// count は現在のウィンドウ内のリクエスト数。
	count int
	// windowStart は現在のウィンドウの開始時刻。
	windowStart time.Time
}

// RateLimiter はキーごとの固定ウィンドウ方式のレートリミッタ。
// キーごとのカウンタが本サブシステム唯一の共有可変状態であり、
// 同一キーへの並行バーストでカウントを取りこぼさないよう
// ミューテックスで保護する。一度適用したカウントは巻き戻さない。
//
// 固定ウィンドウはウィンドウ境界でのバースト倍増を許す既知の
// 不正確さを持つが、許容予算が小さいため実害はない。
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	// window はウィンドウの長さ。
	window time.Duration
	// max はウィンドウ内で許可する最大リクエスト数。
	max int
	// now は現在時刻の取得関数。テスト時に差し替え可能にするため
	// フィールドとして宣言する。
	now func() time.Time
}

// NewRateLimiter は新しいRateLimiterを生成する。
// windowはカウンタをリセットする間隔、maxはウィンドウ内の許可予算。
func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*rateWindow),
		window:  window,
		max:     max,
		now:     time.Now,
	}
}

// Allow は指定キーのリクエストを1件計上し、予算内ならtrueを返す。
// ウィンドウが経過していた場合はカウンタをリセットしてから計上する。
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok {
		w = &rateWindow{windowStart: now}
		l.windows[key] = w
	}

	if now.Sub(w.windowStart) >= l.window {
		w.count = 0
		w.windowStart = now
	}

	w.count++
	return w.count <= l.max
}

// RateLimit は送信元IPをキーとするレート制限Ginミドルウェアを返す。
// 予算超過時は429と指定メッセージを返す。内部状態は応答に含めない。
func RateLimit(limiter *RateLimiter, message string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": message,
			})
			return
		}
		c.Next()
	}
}
