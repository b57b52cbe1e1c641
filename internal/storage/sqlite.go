package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "tntb/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store owns the sqlite database holding users, chats, streamers and
// subscriptions. All methods are safe for concurrent use; the single
// connection serializes writers, which sqlite prefers anyway.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- users ----

func (s *Store) AddUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, sub_limit, name) VALUES(?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		u.ID, nullInt(u.SubLimit), nullStr(u.Name),
	)
	return err
}

func (s *Store) GetUser(ctx context.Context, id int64) (User, error) {
	var (
		u     User
		limit sql.NullInt64
		name  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, sub_limit, name FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &limit, &name)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	if limit.Valid {
		v := limit.Int64
		u.SubLimit = &v
	}
	u.Name = name.String
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, id int64, limit *int64, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET sub_limit = ?, name = ? WHERE id = ?`,
		nullInt(limit), nullStr(name), id,
	)
	return err
}

// RemoveUser deletes the user, their chats, and those chats' subscriptions.
func (s *Store) RemoveUser(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM subscriptions WHERE chat_id IN (SELECT id FROM chats WHERE user_id = ?)`, id,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE user_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
		return err
	})
}

// ---- chats ----

func (s *Store) AddChat(ctx context.Context, chatID, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chats(id, user_id) VALUES(?,?) ON CONFLICT(id) DO NOTHING`,
		chatID, userID,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) ChatOwner(ctx context.Context, chatID int64) (int64, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM chats WHERE id = ?`, chatID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return userID, err
}

func (s *Store) UserChats(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chats WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RemoveChats deletes the chats and their subscriptions.
func (s *Store) RemoveChats(ctx context.Context, chatIDs ...int64) error {
	if len(chatIDs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range chatIDs {
			if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE chat_id = ?`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ---- streamers ----

func (s *Store) GetStreamer(ctx context.Context, id string) (Streamer, error) {
	var (
		st   Streamer
		last sql.NullString
		ts   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, subscription_id, last_message, last_message_timestamp
		 FROM streamers WHERE id = ?`, id,
	).Scan(&st.ID, &st.Name, &st.SubscriptionID, &last, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Streamer{}, ErrNotFound
	}
	if err != nil {
		return Streamer{}, err
	}
	st.LastMessage = last.String
	st.LastEventAt = time.UnixMilli(ts).UTC()
	return st, nil
}

// AddStreamer creates the row with the rate marker at the epoch so the
// first notification is never delay-suppressed. Returns false if the row
// already existed.
func (s *Store) AddStreamer(ctx context.Context, id, name, subscriptionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO streamers(id, name, subscription_id, last_message_timestamp)
		 VALUES(?,?,?,0) ON CONFLICT(id) DO NOTHING`,
		id, name, subscriptionID,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) UpdateStreamerName(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE streamers SET name = ? WHERE id = ?`, name, id)
	return err
}

func (s *Store) RemoveStreamer(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM streamers WHERE id = ?`, id)
	return err
}

func (s *Store) AllStreamers(ctx context.Context) ([]Streamer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, subscription_id, last_message, last_message_timestamp FROM streamers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Streamer
	for rows.Next() {
		var (
			st   Streamer
			last sql.NullString
			ts   int64
		)
		if err := rows.Scan(&st.ID, &st.Name, &st.SubscriptionID, &last, &ts); err != nil {
			return nil, err
		}
		st.LastMessage = last.String
		st.LastEventAt = time.UnixMilli(ts).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

// ---- guard markers ----

// CheckDuplicateMessage reports whether messageID is already the streamer's
// last processed event message, storing it otherwise. Check and store run in
// one transaction so two concurrent deliveries of the same event cannot both
// pass.
func (s *Store) CheckDuplicateMessage(ctx context.Context, streamerID, messageID string) (bool, error) {
	dup := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var last sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT last_message FROM streamers WHERE id = ?`, streamerID,
		).Scan(&last)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if last.Valid && last.String == messageID {
			dup = true
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE streamers SET last_message = ? WHERE id = ?`, messageID, streamerID)
		return err
	})
	return dup, err
}

// SwapLastEventTime overwrites the streamer's rate marker with now and
// returns the previous value. The overwrite happens regardless of what the
// caller decides about the elapsed window.
func (s *Store) SwapLastEventTime(ctx context.Context, streamerID string, now time.Time) (time.Time, error) {
	var prev time.Time
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var ts int64
		err := tx.QueryRowContext(ctx,
			`SELECT last_message_timestamp FROM streamers WHERE id = ?`, streamerID,
		).Scan(&ts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		prev = time.UnixMilli(ts).UTC()
		_, err = tx.ExecContext(ctx,
			`UPDATE streamers SET last_message_timestamp = ? WHERE id = ?`,
			now.UnixMilli(), streamerID)
		return err
	})
	return prev, err
}

// ---- subscriptions ----

// Subscribe creates the (chat, streamer) pair with screenshot mode, the
// default for new subscriptions. Returns false when it already existed.
func (s *Store) Subscribe(ctx context.Context, chatID int64, streamerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(chat_id, streamer_id, picture_mode) VALUES(?,?,?)
		 ON CONFLICT(chat_id, streamer_id) DO NOTHING`,
		chatID, streamerID, string(PictureScreenshot),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) Unsubscribe(ctx context.Context, chatID int64, streamerID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE chat_id = ? AND streamer_id = ?`, chatID, streamerID)
	return err
}

func (s *Store) GetSubscription(ctx context.Context, chatID int64, streamerID string) (Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chat_id, streamer_id, message_template, picture_mode, picture_id, restreams_links
		 FROM subscriptions WHERE chat_id = ? AND streamer_id = ?`, chatID, streamerID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	return sub, err
}

// SubscribedChats returns every subscription referencing the streamer, one
// per destination chat.
func (s *Store) SubscribedChats(ctx context.Context, streamerID string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, streamer_id, message_template, picture_mode, picture_id, restreams_links
		 FROM subscriptions WHERE streamer_id = ? ORDER BY chat_id`, streamerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) SubscriberCount(ctx context.Context, streamerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE streamer_id = ?`, streamerID).Scan(&n)
	return n, err
}

// SubscribedUsers returns the distinct owners of every chat subscribed to
// the streamer.
func (s *Store) SubscribedUsers(ctx context.Context, streamerID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT c.user_id FROM chats c
		 JOIN subscriptions sub ON sub.chat_id = c.id
		 WHERE sub.streamer_id = ?`, streamerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) RemoveStreamerSubscriptions(ctx context.Context, streamerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE streamer_id = ?`, streamerID)
	return err
}

// UserDistinctStreamerCount counts the distinct streamers the user is
// subscribed to across all owned chats (the number the limit applies to).
func (s *Store) UserDistinctStreamerCount(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT sub.streamer_id) FROM subscriptions sub
		 JOIN chats c ON c.id = sub.chat_id
		 WHERE c.user_id = ?`, userID).Scan(&n)
	return n, err
}

// UserFollowsStreamer reports whether any chat owned by the user already
// subscribes to the streamer (such a subscription does not add to the
// user's distinct-streamer count).
func (s *Store) UserFollowsStreamer(ctx context.Context, userID int64, streamerID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions sub
		 JOIN chats c ON c.id = sub.chat_id
		 WHERE c.user_id = ? AND sub.streamer_id = ?`, userID, streamerID).Scan(&n)
	return n > 0, err
}

// ChatStreamers lists the streamers a chat is subscribed to.
func (s *Store) ChatStreamers(ctx context.Context, chatID int64) ([]Streamer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT st.id, st.name, st.subscription_id, st.last_message, st.last_message_timestamp
		 FROM streamers st
		 JOIN subscriptions sub ON sub.streamer_id = st.id
		 WHERE sub.chat_id = ? ORDER BY st.name`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Streamer
	for rows.Next() {
		var (
			st   Streamer
			last sql.NullString
			ts   int64
		)
		if err := rows.Scan(&st.ID, &st.Name, &st.SubscriptionID, &last, &ts); err != nil {
			return nil, err
		}
		st.LastMessage = last.String
		st.LastEventAt = time.UnixMilli(ts).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) SetTemplate(ctx context.Context, chatID int64, streamerID string, template *string) error {
	var v any
	if template != nil {
		v = *template
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET message_template = ? WHERE chat_id = ? AND streamer_id = ?`,
		v, chatID, streamerID)
	return err
}

func (s *Store) SetPictureMode(ctx context.Context, chatID int64, streamerID string, mode PictureMode, pictureID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET picture_mode = ?, picture_id = ? WHERE chat_id = ? AND streamer_id = ?`,
		string(mode), nullStr(pictureID), chatID, streamerID)
	return err
}

func (s *Store) SetRestreamLinks(ctx context.Context, chatID int64, streamerID string, links []string) error {
	var v any
	if len(links) > 0 {
		b, err := json.Marshal(links)
		if err != nil {
			return err
		}
		v = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET restreams_links = ? WHERE chat_id = ? AND streamer_id = ?`,
		v, chatID, streamerID)
	return err
}

// RemoveOrphanStreamers deletes every streamer no subscription references
// and returns their EventSub registration ids so the caller can tear the
// registrations down upstream.
func (s *Store) RemoveOrphanStreamers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM streamers
		 WHERE id NOT IN (SELECT DISTINCT streamer_id FROM subscriptions)
		 RETURNING subscription_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(r rowScanner) (Subscription, error) {
	var (
		sub      Subscription
		template sql.NullString
		mode     string
		picture  sql.NullString
		links    sql.NullString
	)
	if err := r.Scan(&sub.ChatID, &sub.StreamerID, &template, &mode, &picture, &links); err != nil {
		return Subscription{}, err
	}
	if template.Valid {
		v := template.String
		sub.Template = &v
	}
	sub.PictureMode = PictureMode(mode)
	sub.PictureID = picture.String
	if links.Valid && links.String != "" {
		if err := json.Unmarshal([]byte(links.String), &sub.RestreamLinks); err != nil {
			return Subscription{}, fmt.Errorf("restreams_links for chat %d: %w", sub.ChatID, err)
		}
	}
	return sub, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
