package calendar

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound は対象のカレンダーまたはイベントが存在しないこと、
// もしくは指定ユーザーの所有物でないことを表す。
var ErrNotFound = errors.New("calendar: not found")

// Calendar はユーザーのカレンダーを表す。
type Calendar struct {
	// ID はカレンダーの識別子。サーバー側で生成する。
	ID string `json:"id"`
	// Name はカレンダーの表示名。
	Name string `json:"name"`
	// Color は表示色。省略可能。
	Color string `json:"color,omitempty"`
	// IsVisible は一覧表示の対象とするかどうか。
	IsVisible bool `json:"isVisible"`
}

// Event はカレンダー上の予定を表す。
type Event struct {
	// ID はイベントの識別子。サーバー側で生成する。
	ID string `json:"id"`
	// CalendarID は所属カレンダーの識別子。
	CalendarID string `json:"calendarId"`
	// Title はイベントのタイトル。
	Title string `json:"title"`
	// Description は詳細説明。省略可能。
	Description string `json:"description,omitempty"`
	// Color は表示色。省略可能。
	Color string `json:"color,omitempty"`
	// StartISO は開始時刻（RFC3339）。
	StartISO string `json:"startISO"`
	// EndISO は終了時刻（RFC3339）。
	EndISO string `json:"endISO"`
	// AllDay は終日イベントかどうか。
	AllDay bool `json:"allDay,omitempty"`
	// Note はメモ。省略可能。
	Note string `json:"note,omitempty"`
	// Location は場所。省略可能。
	Location string `json:"location,omitempty"`
}

// EventParams はイベントの作成・更新パラメータ。
// 時刻はハンドラ側でRFC3339として検証済みの値を渡す。
type EventParams struct {
	CalendarID  string
	Title       string
	Description string
	Color       string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Note        string
	Location    string
}

// Store はカレンダーとイベントのSQLiteストア。
// 可変状態はすべてデータベース側にあり、Store自体は共有安全である。
type Store struct {
	db *sql.DB
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateCalendar は新しいカレンダーを作成する。
func (s *Store) CreateCalendar(ctx context.Context, userID, name, color string, visible bool) (*Calendar, error) {
	cal := &Calendar{
		ID:        uuid.New().String(),
		Name:      name,
		Color:     color,
		IsVisible: visible,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calendars (id, user_id, name, color, is_visible) VALUES (?, ?, ?, ?, ?)`,
		cal.ID, userID, cal.Name, cal.Color, cal.IsVisible,
	)
	if err != nil {
		return nil, fmt.Errorf("カレンダーの作成に失敗: %w", err)
	}
	return cal, nil
}

// ListCalendars は指定ユーザーのカレンダーを作成順に返す。
func (s *Store) ListCalendars(ctx context.Context, userID string) ([]Calendar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, color, is_visible FROM calendars WHERE user_id = ? ORDER BY created_at, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("カレンダーの取得に失敗: %w", err)
	}
	defer rows.Close()

	calendars := []Calendar{}
	for rows.Next() {
		var cal Calendar
		if err := rows.Scan(&cal.ID, &cal.Name, &cal.Color, &cal.IsVisible); err != nil {
			return nil, fmt.Errorf("カレンダー行の読み取りに失敗: %w", err)
		}
		calendars = append(calendars, cal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("カレンダー行の走査に失敗: %w", err)
	}
	return calendars, nil
}

// SetCalendarVisibility はカレンダーの表示状態を変更する。
// 指定ユーザーの所有物でない場合はErrNotFoundを返す。
func (s *Store) SetCalendarVisibility(ctx context.Context, userID, calendarID string, visible bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE calendars SET is_visible = ? WHERE id = ? AND user_id = ?`,
		visible, calendarID, userID,
	)
	if err != nil {
		return fmt.Errorf("カレンダー表示状態の更新に失敗: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateEvent は新しいイベントを作成する。
// 所属カレンダーが指定ユーザーの所有物でない場合はErrNotFoundを返す。
func (s *Store) CreateEvent(ctx context.Context, userID string, p EventParams) (*Event, error) {
	if err := s.calendarOwned(ctx, userID, p.CalendarID); err != nil {
		return nil, err
	}

	event := eventFromParams(uuid.New().String(), p)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, calendar_id, user_id, title, description, color, start_at, end_at, all_day, note, location)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.CalendarID, userID, event.Title, event.Description, event.Color,
		event.StartISO, event.EndISO, event.AllDay, event.Note, event.Location,
	)
	if err != nil {
		return nil, fmt.Errorf("イベントの作成に失敗: %w", err)
	}
	return event, nil
}

// UpdateEvent は既存イベントを更新する。
// 削除済みイベント、または指定ユーザーの所有物でない場合はErrNotFoundを返す。
func (s *Store) UpdateEvent(ctx context.Context, userID, eventID string, p EventParams) (*Event, error) {
	if err := s.calendarOwned(ctx, userID, p.CalendarID); err != nil {
		return nil, err
	}

	event := eventFromParams(eventID, p)
	result, err := s.db.ExecContext(ctx,
		`UPDATE events SET calendar_id = ?, title = ?, description = ?, color = ?,
		        start_at = ?, end_at = ?, all_day = ?, note = ?, location = ?
		 WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
		event.CalendarID, event.Title, event.Description, event.Color,
		event.StartISO, event.EndISO, event.AllDay, event.Note, event.Location,
		eventID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("イベントの更新に失敗: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("更新行数の取得に失敗: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}
	return event, nil
}

// DeleteEvent はイベントをソフトデリートする。
// 既に削除済み、または指定ユーザーの所有物でない場合はErrNotFoundを返す。
func (s *Store) DeleteEvent(ctx context.Context, userID, eventID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE events SET deleted_at = datetime('now') WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
		eventID, userID,
	)
	if err != nil {
		return fmt.Errorf("イベントの削除に失敗: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RestoreEvent はソフトデリート済みイベントをゴミ箱から復元する。
// 削除されていない、または指定ユーザーの所有物でない場合はErrNotFoundを返す。
func (s *Store) RestoreEvent(ctx context.Context, userID, eventID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE events SET deleted_at = NULL WHERE id = ? AND user_id = ? AND deleted_at IS NOT NULL`,
		eventID, userID,
	)
	if err != nil {
		return fmt.Errorf("イベントの復元に失敗: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEvents は表示中カレンダーに属する未削除イベントを開始時刻順に返す。
func (s *Store) ListEvents(ctx context.Context, userID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.calendar_id, e.title, e.description, e.color,
		        e.start_at, e.end_at, e.all_day, e.note, e.location
		 FROM events e
		 JOIN calendars c ON c.id = e.calendar_id
		 WHERE e.user_id = ? AND e.deleted_at IS NULL AND c.is_visible = 1
		 ORDER BY e.start_at, e.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗: %w", err)
	}
	return scanEvents(rows)
}

// ListDeletedEvents はゴミ箱内（ソフトデリート済み）のイベントを返す。
func (s *Store) ListDeletedEvents(ctx context.Context, userID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, calendar_id, title, description, color,
		        start_at, end_at, all_day, note, location
		 FROM events
		 WHERE user_id = ? AND deleted_at IS NOT NULL
		 ORDER BY start_at, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("削除済みイベントの取得に失敗: %w", err)
	}
	return scanEvents(rows)
}

// calendarOwned は指定カレンダーが指定ユーザーの所有物か確認する。
func (s *Store) calendarOwned(ctx context.Context, userID, calendarID string) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM calendars WHERE id = ? AND user_id = ?`,
		calendarID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("カレンダー所有確認に失敗: %w", err)
	}
	return nil
}

// eventFromParams はパラメータからEventを組み立てる。
// ソート順を安定させるため時刻はUTCに正規化して保存する。
func eventFromParams(id string, p EventParams) *Event {
	return &Event{
		ID:          id,
		CalendarID:  p.CalendarID,
		Title:       p.Title,
		Description: p.Description,
		Color:       p.Color,
		StartISO:    p.Start.UTC().Format(time.RFC3339),
		EndISO:      p.End.UTC().Format(time.RFC3339),
		AllDay:      p.AllDay,
		Note:        p.Note,
		Location:    p.Location,
	}
}

// scanEvents はクエリ結果からイベントのスライスを組み立てる。
func scanEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.CalendarID, &e.Title, &e.Description, &e.Color,
			&e.StartISO, &e.EndISO, &e.AllDay, &e.Note, &e.Location); err != nil {
			return nil, fmt.Errorf("イベント行の読み取りに失敗: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("イベント行の走査に失敗: %w", err)
	}
	return events, nil
}
