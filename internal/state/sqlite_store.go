package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nvoss/attachsync/internal/events"
	"github.com/nvoss/attachsync/internal/models"
)

// SQLiteStore implements Store over a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStore opens (and if needed creates) the transfer database.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Serialized transactions; the queues coordinate above this layer.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_store"),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables and indexes.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS attachments (
        id TEXT PRIMARY KEY,
        local_path TEXT NOT NULL DEFAULT '',
        transit_cdn_key TEXT NOT NULL DEFAULT '',
        transit_cdn_number INTEGER NOT NULL DEFAULT 0,
        media_name TEXT NOT NULL DEFAULT '',
        media_cdn_number INTEGER,
        media_expired INTEGER NOT NULL DEFAULT 0,
        has_thumbnail INTEGER NOT NULL DEFAULT 0,
        thumbnail_path TEXT NOT NULL DEFAULT '',
        thumbnail_cdn_number INTEGER,
        fullsize_bytes INTEGER NOT NULL DEFAULT 0,
        thumbnail_bytes INTEGER NOT NULL DEFAULT 0,
        downloaded INTEGER NOT NULL DEFAULT 0,
        received_at INTEGER NOT NULL DEFAULT 0
    );

    CREATE TABLE IF NOT EXISTS upload_tasks (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        attachment_id TEXT NOT NULL,
        is_fullsize INTEGER NOT NULL,
        priority INTEGER NOT NULL DEFAULT 0,
        received_at INTEGER,
        num_retries INTEGER NOT NULL DEFAULT 0,
        min_retry_at INTEGER,
        accounted_bytes INTEGER NOT NULL DEFAULT 0,
        created_at INTEGER NOT NULL,
        UNIQUE (attachment_id, is_fullsize)
    );

    CREATE TABLE IF NOT EXISTS download_tasks (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        attachment_id TEXT NOT NULL,
        is_fullsize INTEGER NOT NULL,
        priority INTEGER NOT NULL DEFAULT 0,
        received_at INTEGER,
        num_retries INTEGER NOT NULL DEFAULT 0,
        min_retry_at INTEGER,
        accounted_bytes INTEGER NOT NULL DEFAULT 0,
        created_at INTEGER NOT NULL,
        UNIQUE (attachment_id, is_fullsize)
    );

    CREATE INDEX IF NOT EXISTS idx_upload_tasks_order
        ON upload_tasks(priority DESC, received_at ASC, id ASC);
    CREATE INDEX IF NOT EXISTS idx_download_tasks_order
        ON download_tasks(priority DESC, received_at ASC, id ASC);

    CREATE TABLE IF NOT EXISTS orphans (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        media_id TEXT NOT NULL,
        cdn_number INTEGER NOT NULL,
        created_at INTEGER NOT NULL,
        UNIQUE (media_id, cdn_number)
    );

    CREATE TABLE IF NOT EXISTS meta (
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL
    );
    `

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// ReadTx runs fn in a read-only transaction.
func (s *SQLiteStore) ReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin read tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	return fn(tx)
}

// WriteTx runs fn in a write transaction, committing on success.
func (s *SQLiteStore) WriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write tx: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func taskTable(dir models.Direction) string {
	if dir == models.DirectionUpload {
		return "upload_tasks"
	}
	return "download_tasks"
}

// EnqueueTask upserts the row keyed by (attachment_id, is_fullsize).
func (s *SQLiteStore) EnqueueTask(tx *sql.Tx, dir models.Direction, task *models.TransferTask) error {
	query := fmt.Sprintf(`
        INSERT INTO %s (attachment_id, is_fullsize, priority, received_at, num_retries, min_retry_at, accounted_bytes, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (attachment_id, is_fullsize) DO UPDATE SET
            priority = excluded.priority,
            received_at = excluded.received_at,
            accounted_bytes = excluded.accounted_bytes
    `, taskTable(dir))

	_, err := tx.Exec(query,
		task.AttachmentID,
		boolInt(task.IsFullsize),
		int(task.Priority),
		nullUnixMillis(task.ReceivedAt),
		task.NumRetries,
		nullUnixMillis(task.MinRetryAt),
		task.AccountedBytes,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.Key(), err)
	}
	return nil
}

// PeekTasks returns runnable tasks in dispatch order.
func (s *SQLiteStore) PeekTasks(tx *sql.Tx, dir models.Direction, n int, exclude []models.TaskKey, now time.Time) ([]*models.TransferTask, error) {
	var sb strings.Builder
	args := make([]interface{}, 0, 2+2*len(exclude))

	fmt.Fprintf(&sb, `
        SELECT id, attachment_id, is_fullsize, priority, received_at, num_retries, min_retry_at, accounted_bytes, created_at
        FROM %s
        WHERE (min_retry_at IS NULL OR min_retry_at <= ?)`, taskTable(dir))
	args = append(args, now.UnixMilli())

	for _, key := range exclude {
		sb.WriteString(" AND NOT (attachment_id = ? AND is_fullsize = ?)")
		args = append(args, key.AttachmentID, boolInt(key.IsFullsize))
	}

	// received_at NULL sorts last: recency-less tasks are backfill.
	sb.WriteString(`
        ORDER BY priority DESC, received_at IS NULL ASC, received_at ASC, id ASC
        LIMIT ?`)
	args = append(args, n)

	rows, err := tx.Query(sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("peek tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.TransferTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(rows *sql.Rows) (*models.TransferTask, error) {
	var (
		task       models.TransferTask
		isFullsize int
		priority   int
		receivedAt sql.NullInt64
		minRetryAt sql.NullInt64
		createdAt  int64
	)
	err := rows.Scan(&task.ID, &task.AttachmentID, &isFullsize, &priority,
		&receivedAt, &task.NumRetries, &minRetryAt, &task.AccountedBytes, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("scan task row: %w", err)
	}

	task.IsFullsize = isFullsize != 0
	task.Priority = models.Priority(priority)
	task.ReceivedAt = timeFromNullMillis(receivedAt)
	task.MinRetryAt = timeFromNullMillis(minRetryAt)
	task.CreatedAt = time.UnixMilli(createdAt)
	return &task, nil
}

// GetTask loads one task row by key.
func (s *SQLiteStore) GetTask(tx *sql.Tx, dir models.Direction, key models.TaskKey) (*models.TransferTask, error) {
	query := fmt.Sprintf(`
        SELECT id, attachment_id, is_fullsize, priority, received_at, num_retries, min_retry_at, accounted_bytes, created_at
        FROM %s WHERE attachment_id = ? AND is_fullsize = ?`, taskTable(dir))

	rows, err := tx.Query(query, key.AttachmentID, boolInt(key.IsFullsize))
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", key, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get task %s: %w", key, err)
		}
		return nil, models.ErrTaskNotFound
	}
	return scanTask(rows)
}

// UpdateTaskRetry records retry bookkeeping for a kept task.
func (s *SQLiteStore) UpdateTaskRetry(tx *sql.Tx, dir models.Direction, id int64, numRetries int, minRetryAt *time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET num_retries = ?, min_retry_at = ? WHERE id = ?`, taskTable(dir))

	res, err := tx.Exec(query, numRetries, nullUnixMillis(minRetryAt), id)
	if err != nil {
		return fmt.Errorf("update task retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrTaskNotFound
	}
	return nil
}

// RemoveTask deletes the row for key.
func (s *SQLiteStore) RemoveTask(tx *sql.Tx, dir models.Direction, key models.TaskKey) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE attachment_id = ? AND is_fullsize = ?`, taskTable(dir))

	if _, err := tx.Exec(query, key.AttachmentID, boolInt(key.IsFullsize)); err != nil {
		return fmt.Errorf("remove task %s: %w", key, err)
	}
	return nil
}

// RemoveAllTasks clears the direction's table.
func (s *SQLiteStore) RemoveAllTasks(tx *sql.Tx, dir models.Direction) error {
	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s`, taskTable(dir))); err != nil {
		return fmt.Errorf("remove all tasks: %w", err)
	}
	return nil
}

// CountTasks returns pending task count.
func (s *SQLiteStore) CountTasks(tx *sql.Tx, dir models.Direction) (int, error) {
	var count int
	err := tx.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, taskTable(dir))).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

// GetAttachment loads one attachment row.
func (s *SQLiteStore) GetAttachment(tx *sql.Tx, id string) (*models.Attachment, error) {
	var (
		a            models.Attachment
		mediaCDN     sql.NullInt64
		thumbnailCDN sql.NullInt64
		mediaExpired int
		hasThumbnail int
		downloaded   int
		receivedAt   int64
	)

	err := tx.QueryRow(`
        SELECT id, local_path, transit_cdn_key, transit_cdn_number,
               media_name, media_cdn_number, media_expired,
               has_thumbnail, thumbnail_path, thumbnail_cdn_number,
               fullsize_bytes, thumbnail_bytes, downloaded, received_at
        FROM attachments WHERE id = ?
    `, id).Scan(&a.ID, &a.LocalPath, &a.TransitCDNKey, &a.TransitCDNNumber,
		&a.MediaName, &mediaCDN, &mediaExpired,
		&hasThumbnail, &a.ThumbnailPath, &thumbnailCDN,
		&a.FullsizeBytes, &a.ThumbnailBytes, &downloaded, &receivedAt)

	if err == sql.ErrNoRows {
		return nil, models.ErrAttachmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query attachment: %w", err)
	}

	a.MediaExpired = mediaExpired != 0
	a.HasThumbnail = hasThumbnail != 0
	a.Downloaded = downloaded != 0
	a.ReceivedAt = time.UnixMilli(receivedAt)
	if mediaCDN.Valid {
		n := int(mediaCDN.Int64)
		a.MediaCDNNumber = &n
	}
	if thumbnailCDN.Valid {
		n := int(thumbnailCDN.Int64)
		a.ThumbnailCDNNumber = &n
	}
	return &a, nil
}

// PutAttachment upserts an attachment row.
func (s *SQLiteStore) PutAttachment(tx *sql.Tx, a *models.Attachment) error {
	_, err := tx.Exec(`
        INSERT INTO attachments (id, local_path, transit_cdn_key, transit_cdn_number,
            media_name, media_cdn_number, media_expired,
            has_thumbnail, thumbnail_path, thumbnail_cdn_number,
            fullsize_bytes, thumbnail_bytes, downloaded, received_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            local_path = excluded.local_path,
            transit_cdn_key = excluded.transit_cdn_key,
            transit_cdn_number = excluded.transit_cdn_number,
            media_name = excluded.media_name,
            media_cdn_number = excluded.media_cdn_number,
            media_expired = excluded.media_expired,
            has_thumbnail = excluded.has_thumbnail,
            thumbnail_path = excluded.thumbnail_path,
            thumbnail_cdn_number = excluded.thumbnail_cdn_number,
            fullsize_bytes = excluded.fullsize_bytes,
            thumbnail_bytes = excluded.thumbnail_bytes,
            downloaded = excluded.downloaded,
            received_at = excluded.received_at
    `, a.ID, a.LocalPath, a.TransitCDNKey, a.TransitCDNNumber,
		a.MediaName, nullIntPtr(a.MediaCDNNumber), boolInt(a.MediaExpired),
		boolInt(a.HasThumbnail), a.ThumbnailPath, nullIntPtr(a.ThumbnailCDNNumber),
		a.FullsizeBytes, a.ThumbnailBytes, boolInt(a.Downloaded), a.ReceivedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("put attachment %s: %w", a.ID, err)
	}
	return nil
}

// ListAttachments returns every attachment row in insertion order.
func (s *SQLiteStore) ListAttachments(tx *sql.Tx) ([]*models.Attachment, error) {
	rows, err := tx.Query(`
        SELECT id, local_path, transit_cdn_key, transit_cdn_number,
               media_name, media_cdn_number, media_expired,
               has_thumbnail, thumbnail_path, thumbnail_cdn_number,
               fullsize_bytes, thumbnail_bytes, downloaded, received_at
        FROM attachments ORDER BY rowid ASC
    `)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var attachments []*models.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return attachments, nil
}

func scanAttachment(rows *sql.Rows) (*models.Attachment, error) {
	var (
		a            models.Attachment
		mediaCDN     sql.NullInt64
		thumbnailCDN sql.NullInt64
		mediaExpired int
		hasThumbnail int
		downloaded   int
		receivedAt   int64
	)
	err := rows.Scan(&a.ID, &a.LocalPath, &a.TransitCDNKey, &a.TransitCDNNumber,
		&a.MediaName, &mediaCDN, &mediaExpired,
		&hasThumbnail, &a.ThumbnailPath, &thumbnailCDN,
		&a.FullsizeBytes, &a.ThumbnailBytes, &downloaded, &receivedAt)
	if err != nil {
		return nil, fmt.Errorf("scan attachment row: %w", err)
	}

	a.MediaExpired = mediaExpired != 0
	a.HasThumbnail = hasThumbnail != 0
	a.Downloaded = downloaded != 0
	a.ReceivedAt = time.UnixMilli(receivedAt)
	if mediaCDN.Valid {
		n := int(mediaCDN.Int64)
		a.MediaCDNNumber = &n
	}
	if thumbnailCDN.Valid {
		n := int(thumbnailCDN.Int64)
		a.ThumbnailCDNNumber = &n
	}
	return &a, nil
}

// SetMediaGeneration adopts a generation for one variant.
func (s *SQLiteStore) SetMediaGeneration(tx *sql.Tx, id string, thumbnail bool, cdnNumber int) error {
	column := "media_cdn_number"
	expired := ", media_expired = 0"
	if thumbnail {
		column = "thumbnail_cdn_number"
		expired = ""
	}

	res, err := tx.Exec(
		fmt.Sprintf(`UPDATE attachments SET %s = ?%s WHERE id = ?`, column, expired),
		cdnNumber, id)
	if err != nil {
		return fmt.Errorf("set media generation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrAttachmentNotFound
	}
	return nil
}

// MarkMediaExpired flags a variant's remote copy as absent.
func (s *SQLiteStore) MarkMediaExpired(tx *sql.Tx, id string, thumbnail bool) error {
	var query string
	if thumbnail {
		query = `UPDATE attachments SET thumbnail_cdn_number = NULL WHERE id = ?`
	} else {
		query = `UPDATE attachments SET media_expired = 1, media_cdn_number = NULL WHERE id = ?`
	}

	res, err := tx.Exec(query, id)
	if err != nil {
		return fmt.Errorf("mark media expired: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrAttachmentNotFound
	}
	return nil
}

// MarkDownloaded records a completed download.
func (s *SQLiteStore) MarkDownloaded(tx *sql.Tx, id, localPath string) error {
	res, err := tx.Exec(`UPDATE attachments SET downloaded = 1, local_path = ? WHERE id = ?`, localPath, id)
	if err != nil {
		return fmt.Errorf("mark downloaded: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrAttachmentNotFound
	}
	return nil
}

// ClearTransitPointer forgets an attachment's transit tier copy.
func (s *SQLiteStore) ClearTransitPointer(tx *sql.Tx, id string) error {
	res, err := tx.Exec(`UPDATE attachments SET transit_cdn_key = '', transit_cdn_number = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("clear transit pointer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrAttachmentNotFound
	}
	return nil
}

// AddOrphan flags a remote object for deletion.
func (s *SQLiteStore) AddOrphan(tx *sql.Tx, mediaID string, cdnNumber int) error {
	_, err := tx.Exec(`
        INSERT OR IGNORE INTO orphans (media_id, cdn_number, created_at)
        VALUES (?, ?, ?)
    `, mediaID, cdnNumber, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("add orphan: %w", err)
	}
	return nil
}

// RemoveOrphan clears pending deletions for mediaID.
func (s *SQLiteStore) RemoveOrphan(tx *sql.Tx, mediaID string) error {
	if _, err := tx.Exec(`DELETE FROM orphans WHERE media_id = ?`, mediaID); err != nil {
		return fmt.Errorf("remove orphan: %w", err)
	}
	return nil
}

// ListOrphans returns pending deletions, oldest first.
func (s *SQLiteStore) ListOrphans(tx *sql.Tx) ([]models.OrphanRecord, error) {
	rows, err := tx.Query(`SELECT id, media_id, cdn_number, created_at FROM orphans ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	defer rows.Close()

	var orphans []models.OrphanRecord
	for rows.Next() {
		var (
			o         models.OrphanRecord
			createdAt int64
		)
		if err := rows.Scan(&o.ID, &o.MediaID, &o.CDNNumber, &createdAt); err != nil {
			return nil, fmt.Errorf("scan orphan row: %w", err)
		}
		o.CreatedAt = time.UnixMilli(createdAt)
		orphans = append(orphans, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orphans: %w", err)
	}
	return orphans, nil
}

const (
	metaPendingBytes = "pending_bytes"
	metaUploadEra    = "upload_era"
)

// PendingBytes reads the byte counter, zero when unset.
func (s *SQLiteStore) PendingBytes(tx *sql.Tx) (int64, error) {
	value, err := s.metaValue(tx, metaPendingBytes)
	if err != nil || value == "" {
		return 0, err
	}

	var n int64
	if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
		return 0, fmt.Errorf("parse pending bytes %q: %w", value, err)
	}
	return n, nil
}

// AddPendingBytes adjusts the counter by delta, clamping at zero.
func (s *SQLiteStore) AddPendingBytes(tx *sql.Tx, delta int64) error {
	current, err := s.PendingBytes(tx)
	if err != nil {
		return err
	}

	next := current + delta
	if next < 0 {
		next = 0
	}
	return s.setMetaValue(tx, metaPendingBytes, fmt.Sprintf("%d", next))
}

// ResetPendingBytes zeroes the counter.
func (s *SQLiteStore) ResetPendingBytes(tx *sql.Tx) error {
	return s.setMetaValue(tx, metaPendingBytes, "0")
}

// UploadEra reads the epoch marker, "" when unset.
func (s *SQLiteStore) UploadEra(tx *sql.Tx) (string, error) {
	return s.metaValue(tx, metaUploadEra)
}

// SetUploadEra advances the epoch marker.
func (s *SQLiteStore) SetUploadEra(tx *sql.Tx, era string) error {
	return s.setMetaValue(tx, metaUploadEra, era)
}

func (s *SQLiteStore) metaValue(tx *sql.Tx, key string) (string, error) {
	var value string
	err := tx.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query meta %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) setMetaValue(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(`
        INSERT INTO meta (key, value) VALUES (?, ?)
        ON CONFLICT (key) DO UPDATE SET value = excluded.value
    `, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIntPtr(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func nullUnixMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timeFromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64)
	return &t
}
