package google

import (
	"context"
	"errors"
	"log"
	"strings"
)

// ErrVerificationFailed はIDトークンの検証失敗を表す。
// どの信頼判定で失敗したかを呼び出し側に区別させないため、
// すべての失敗はこのエラーに収束させる。内部理由はログにのみ残す。
var ErrVerificationFailed = errors.New("google: id token verification failed")

// googleIssuers はGoogleが発行するIDトークンの正規の発行者。
// この2形式との完全一致のみを許可する。部分一致や接尾辞一致は行わない。
var googleIssuers = map[string]struct{}{
	"accounts.google.com":         {},
	"https://accounts.google.com": {},
}

// Identity は検証済みのGoogleアカウント情報を表す。
// Verifierのみが生成し、生成後は変更しない。永続化もしない。
type Identity struct {
	// SubjectID はGoogleが発行する安定したユーザー識別子（subクレーム）。
	SubjectID string `json:"id"`
	// Email は確認済みのメールアドレス。
	Email string `json:"email"`
	// DisplayName は表示名。プロバイダが名前を返さない場合はEmailを使用する。
	DisplayName string `json:"name"`
	// Picture はプロフィール画像のURL。省略可能。
	Picture string `json:"picture,omitempty"`
}

// Claims はデコード済みIDトークンのペイロード。
// TokenDecoderが署名・有効期限検証後に返す生のクレーム集合であり、
// 信頼判定はまだ行われていない。
type Claims struct {
	// Issuer はissクレーム。
	Issuer string
	// Subject はsubクレーム。
	Subject string
	// Audience はaudクレーム。
	Audience []string
	// Email はemailクレーム。
	Email string
	// EmailVerified はemail_verifiedクレーム。
	EmailVerified bool
	// Name はnameクレーム。
	Name string
	// Picture はpictureクレーム。
	Picture string
}

// TokenDecoder はIDトークンの署名・有効期限検証とデコードを行う。
// 公開鍵暗号の検証は外部ライブラリに委譲するための注入点であり、
// テストではネットワークアクセス無しのフェイク実装に差し替える。
type TokenDecoder interface {
	Decode(ctx context.Context, rawIDToken string) (*Claims, error)
}

// Verifier はデコード済みクレームに対して信頼判定を行う。
// 状態を持たないため、複数ゴルーチンから同時に呼び出してよい。
type Verifier struct {
	// decoder は署名検証プリミティブ。
	decoder TokenDecoder
	// audiences は受け入れ可能なOAuthクライアントIDの集合。
	audiences map[string]struct{}
}

// NewVerifier は新しいVerifierを生成する。
// audiencesが空の場合は設定エラーとして失敗する。起動時に検出すべき
// 問題であり、リクエスト処理中に発生させてはならない。
func NewVerifier(decoder TokenDecoder, audiences []string) (*Verifier, error) {
	set := make(map[string]struct{}, len(audiences))
	for _, a := range audiences {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		set[a] = struct{}{}
	}
	if len(set) == 0 {
		return nil, errors.New("google: at least one allowed audience is required")
	}
	return &Verifier{decoder: decoder, audiences: set}, nil
}

// Verify はIDトークンを検証し、正規化されたIdentityを返す。
// 署名・有効期限の検証をデコーダに委譲した後、以下を順に確認する。
//
//  1. audクレームが許可リストに含まれること
//  2. issクレームがGoogleの正規の発行者であること
//  3. subクレームとemailクレームが存在すること
//  4. email_verifiedクレームがtrueであること
//
// いずれかに失敗した場合はErrVerificationFailedを返す。
func (v *Verifier) Verify(ctx context.Context, rawIDToken string) (*Identity, error) {
	claims, err := v.decoder.Decode(ctx, rawIDToken)
	if err != nil {
		log.Printf("google: token decode rejected: %v", err)
		return nil, ErrVerificationFailed
	}

	if !v.audienceAllowed(claims.Audience) {
		log.Printf("google: audience not in allow-list")
		return nil, ErrVerificationFailed
	}

	if _, ok := googleIssuers[claims.Issuer]; !ok {
		log.Printf("google: unexpected issuer")
		return nil, ErrVerificationFailed
	}

	if claims.Subject == "" || claims.Email == "" {
		log.Printf("google: required claims missing")
		return nil, ErrVerificationFailed
	}

	if !claims.EmailVerified {
		log.Printf("google: email not verified")
		return nil, ErrVerificationFailed
	}

	name := claims.Name
	if name == "" {
		name = claims.Email
	}

	return &Identity{
		SubjectID:   claims.Subject,
		Email:       claims.Email,
		DisplayName: name,
		Picture:     claims.Picture,
	}, nil
}

// audienceAllowed はaudクレームのいずれかが許可リストに含まれるか判定する。
func (v *Verifier) audienceAllowed(audience []string) bool {
	for _, a := range audience {
		if _, ok := v.audiences[a]; ok {
			return true
		}
	}
	return false
}
