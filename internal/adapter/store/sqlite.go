// Package store persists channels, content units, and session
// credentials in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"chansync/internal/domain"
)

// Store implements domain.ContentStore and domain.CredentialStore on a
// single SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath and runs the schema
// migration.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Single writer; WAL keeps readers unblocked.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS channels (
			id       TEXT PRIMARY KEY,
			title    TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			active   INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS content_units (
			channel_id     TEXT NOT NULL,
			message_id     INTEGER NOT NULL,
			channel_title  TEXT NOT NULL DEFAULT '',
			body           TEXT NOT NULL DEFAULT '',
			posted_at      TEXT NOT NULL,
			group_id       TEXT NOT NULL DEFAULT '',
			position       INTEGER NOT NULL DEFAULT 0,
			group_size     INTEGER NOT NULL DEFAULT 0,
			media_kind     TEXT,
			media_url      TEXT,
			media_filename TEXT,
			media_size     INTEGER,
			media_duration INTEGER,
			media_width    INTEGER,
			media_height   INTEGER,
			created_at     TEXT NOT NULL,
			PRIMARY KEY (channel_id, message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_units_channel_message
			ON content_units(channel_id, message_id DESC);
		CREATE INDEX IF NOT EXISTS idx_units_media
			ON content_units(media_filename) WHERE media_filename IS NOT NULL;

		CREATE TABLE IF NOT EXISTS credentials (
			identity         TEXT PRIMARY KEY,
			display_name     TEXT NOT NULL DEFAULT '',
			provider_user_id INTEGER NOT NULL DEFAULT 0,
			session          BLOB,
			authorized_at    TEXT NOT NULL,
			active           INTEGER NOT NULL DEFAULT 1
		);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- channels ---

// UpsertChannel registers or refreshes a watched channel.
func (s *Store) UpsertChannel(ctx context.Context, ch domain.Channel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (id, title, username, active) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title,
			username = excluded.username, active = excluded.active`,
		ch.ID, ch.Title, ch.Username, boolInt(ch.Active),
	)
	return err
}

// SetChannelActive flips a channel's watched flag.
func (s *Store) SetChannelActive(ctx context.Context, channelID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE channels SET active = ? WHERE id = ?", boolInt(active), channelID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) ActiveChannels(ctx context.Context) ([]domain.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, username, active FROM channels WHERE active = 1 ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.Channel
	for rows.Next() {
		var ch domain.Channel
		var active int
		if err := rows.Scan(&ch.ID, &ch.Title, &ch.Username, &active); err != nil {
			return nil, err
		}
		ch.Active = active == 1
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// --- content units ---

const unitColumns = `channel_id, message_id, channel_title, body, posted_at,
	group_id, position, group_size,
	media_kind, media_url, media_filename, media_size,
	media_duration, media_width, media_height`

func (s *Store) LatestContentUnit(ctx context.Context, channelID string) (*domain.ContentUnit, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+unitColumns+" FROM content_units WHERE channel_id = ? ORDER BY message_id DESC LIMIT 1",
		channelID)
	unit, err := scanUnit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return unit, nil
}

func (s *Store) ContentUnitExists(ctx context.Context, channelID string, messageID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM content_units WHERE channel_id = ? AND message_id = ?",
		channelID, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) CountContentUnits(ctx context.Context, channelID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM content_units WHERE channel_id = ?", channelID).Scan(&n)
	return n, err
}

func (s *Store) InsertContentUnit(ctx context.Context, unit *domain.ContentUnit) error {
	var kind, url, filename sql.NullString
	var size, duration, width, height sql.NullInt64
	if m := unit.Media; m != nil {
		kind = sql.NullString{String: string(m.Kind), Valid: true}
		url = sql.NullString{String: m.StorageURL, Valid: true}
		filename = sql.NullString{String: m.Filename, Valid: true}
		size = sql.NullInt64{Int64: m.SizeBytes, Valid: true}
		duration = nullInt(m.Duration)
		width = nullInt(m.Width)
		height = nullInt(m.Height)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO content_units (`+unitColumns+`, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		unit.ChannelID, unit.MessageID, unit.ChannelTitle, unit.Text,
		unit.PostedAt.UTC().Format(time.RFC3339Nano),
		unit.GroupID, unit.Position, unit.GroupSize,
		kind, url, filename, size, duration, width, height,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewDomainError("Store.InsertContentUnit", domain.ErrDuplicate,
			fmt.Sprintf("%s/%d", unit.ChannelID, unit.MessageID))
	}
	return nil
}

func (s *Store) UpdateAttachment(ctx context.Context, channelID string, messageID int64, media *domain.MediaAttachment) error {
	var kind, url, filename sql.NullString
	var size, duration, width, height sql.NullInt64
	if media != nil {
		kind = sql.NullString{String: string(media.Kind), Valid: true}
		url = sql.NullString{String: media.StorageURL, Valid: true}
		filename = sql.NullString{String: media.Filename, Valid: true}
		size = sql.NullInt64{Int64: media.SizeBytes, Valid: true}
		duration = nullInt(media.Duration)
		width = nullInt(media.Width)
		height = nullInt(media.Height)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE content_units SET media_kind = ?, media_url = ?, media_filename = ?,
			media_size = ?, media_duration = ?, media_width = ?, media_height = ?
		WHERE channel_id = ? AND message_id = ?`,
		kind, url, filename, size, duration, width, height,
		channelID, messageID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewDomainError("Store.UpdateAttachment", domain.ErrNotFound,
			fmt.Sprintf("%s/%d", channelID, messageID))
	}
	return nil
}

func (s *Store) UnitsWithMedia(ctx context.Context) ([]domain.ContentUnit, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+unitColumns+" FROM content_units WHERE media_filename IS NOT NULL ORDER BY channel_id, message_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []domain.ContentUnit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, *unit)
	}
	return units, rows.Err()
}

// --- credentials ---

func (s *Store) Credential(ctx context.Context, identity string) (*domain.SessionCredential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT identity, display_name, provider_user_id, session, authorized_at, active
		FROM credentials WHERE identity = ?`, identity)
	cred, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}

func (s *Store) LatestCredential(ctx context.Context) (*domain.SessionCredential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT identity, display_name, provider_user_id, session, authorized_at, active
		FROM credentials WHERE active = 1 ORDER BY authorized_at DESC LIMIT 1`)
	cred, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}

func (s *Store) InactiveCredentials(ctx context.Context) ([]domain.SessionCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, display_name, provider_user_id, session, authorized_at, active
		FROM credentials WHERE active = 0 ORDER BY identity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []domain.SessionCredential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, *cred)
	}
	return creds, rows.Err()
}

func (s *Store) UpsertCredential(ctx context.Context, cred *domain.SessionCredential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (identity, display_name, provider_user_id, session, authorized_at, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			display_name = excluded.display_name,
			provider_user_id = excluded.provider_user_id,
			session = excluded.session,
			authorized_at = excluded.authorized_at,
			active = excluded.active`,
		cred.Identity, cred.DisplayName, cred.ProviderUserID, cred.Session,
		cred.AuthorizedAt.UTC().Format(time.RFC3339Nano), boolInt(cred.Active),
	)
	return err
}

func (s *Store) DeleteCredential(ctx context.Context, identity string) error {
	// Deleting an absent identity is not an error.
	_, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE identity = ?", identity)
	return err
}

// --- scanning ---

type scanner interface {
	Scan(dest ...any) error
}

func scanUnit(row scanner) (*domain.ContentUnit, error) {
	var u domain.ContentUnit
	var postedAt string
	var kind, url, filename sql.NullString
	var size, duration, width, height sql.NullInt64

	err := row.Scan(&u.ChannelID, &u.MessageID, &u.ChannelTitle, &u.Text, &postedAt,
		&u.GroupID, &u.Position, &u.GroupSize,
		&kind, &url, &filename, &size, &duration, &width, &height)
	if err != nil {
		return nil, err
	}

	if u.PostedAt, err = time.Parse(time.RFC3339Nano, postedAt); err != nil {
		return nil, fmt.Errorf("parse posted_at: %w", err)
	}

	if kind.Valid {
		m := &domain.MediaAttachment{
			Kind:       domain.MediaKind(kind.String),
			StorageURL: url.String,
			Filename:   filename.String,
			SizeBytes:  size.Int64,
		}
		if duration.Valid {
			d := int(duration.Int64)
			m.Duration = &d
		}
		if width.Valid {
			w := int(width.Int64)
			m.Width = &w
		}
		if height.Valid {
			h := int(height.Int64)
			m.Height = &h
		}
		u.Media = m
	}
	return &u, nil
}

func scanCredential(row scanner) (*domain.SessionCredential, error) {
	var c domain.SessionCredential
	var authorizedAt string
	var active int

	err := row.Scan(&c.Identity, &c.DisplayName, &c.ProviderUserID, &c.Session, &authorizedAt, &active)
	if err != nil {
		return nil, err
	}
	if c.AuthorizedAt, err = time.Parse(time.RFC3339Nano, authorizedAt); err != nil {
		return nil, fmt.Errorf("parse authorized_at: %w", err)
	}
	c.Active = active == 1
	return &c, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}
