package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no cgo toolchain required

	"github.com/objectvault/bleepstore/internal/uid"
)

// sqliteTimeFormat is the textual timestamp format stored in every TEXT
// time column; SQLite has no native time type.
const sqliteTimeFormat = "2006-01-02T15:04:05.000Z"

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS buckets (
		name           TEXT PRIMARY KEY,
		region         TEXT NOT NULL DEFAULT 'us-east-1',
		owner_id       TEXT NOT NULL,
		owner_display  TEXT NOT NULL DEFAULT '',
		acl            TEXT NOT NULL DEFAULT '{}',
		created_at     TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS objects (
		bucket              TEXT NOT NULL,
		key                 TEXT NOT NULL,
		size                INTEGER NOT NULL,
		etag                TEXT NOT NULL,
		content_type        TEXT NOT NULL DEFAULT 'application/octet-stream',
		content_encoding    TEXT,
		content_language    TEXT,
		content_disposition TEXT,
		cache_control       TEXT,
		expires             TEXT,
		storage_class       TEXT NOT NULL DEFAULT 'STANDARD',
		acl                 TEXT NOT NULL DEFAULT '{}',
		user_metadata       TEXT NOT NULL DEFAULT '{}',
		last_modified       TEXT NOT NULL,
		delete_marker       INTEGER NOT NULL DEFAULT 0,

		PRIMARY KEY (bucket, key),
		FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_objects_bucket ON objects(bucket);
	CREATE INDEX IF NOT EXISTS idx_objects_bucket_prefix ON objects(bucket, key);

	CREATE TABLE IF NOT EXISTS multipart_uploads (
		upload_id           TEXT PRIMARY KEY,
		bucket              TEXT NOT NULL,
		key                 TEXT NOT NULL,
		content_type        TEXT NOT NULL DEFAULT 'application/octet-stream',
		content_encoding    TEXT,
		content_language    TEXT,
		content_disposition TEXT,
		cache_control       TEXT,
		expires             TEXT,
		storage_class       TEXT NOT NULL DEFAULT 'STANDARD',
		acl                 TEXT NOT NULL DEFAULT '{}',
		user_metadata       TEXT NOT NULL DEFAULT '{}',
		owner_id            TEXT NOT NULL,
		owner_display       TEXT NOT NULL DEFAULT '',
		initiated_at        TEXT NOT NULL,

		FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_uploads_bucket ON multipart_uploads(bucket);
	CREATE INDEX IF NOT EXISTS idx_uploads_bucket_key ON multipart_uploads(bucket, key);

	CREATE TABLE IF NOT EXISTS multipart_parts (
		upload_id    TEXT NOT NULL,
		part_number  INTEGER NOT NULL,
		size         INTEGER NOT NULL,
		etag         TEXT NOT NULL,
		last_modified TEXT NOT NULL,

		PRIMARY KEY (upload_id, part_number),
		FOREIGN KEY (upload_id) REFERENCES multipart_uploads(upload_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS credentials (
		access_key_id TEXT PRIMARY KEY,
		secret_key    TEXT NOT NULL,
		owner_id      TEXT NOT NULL,
		display_name  TEXT NOT NULL DEFAULT '',
		active        INTEGER NOT NULL DEFAULT 1,
		created_at    TEXT NOT NULL
	);
`

// SQLiteStore is the durable, single-node MetadataStore. It runs in WAL
// mode with a busy-timeout retry so readers never block writers, and
// relies on SQLite's own transactional guarantees for the one operation
// (CompleteMultipartUpload) that must look atomic to every caller.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite schema: %w", err)
	}
	return store, nil
}

// migrate applies the operating PRAGMAs and the full schema. Every
// statement is idempotent (IF NOT EXISTS / INSERT OR IGNORE), so it's
// safe to run on every startup against an existing database file.
func (s *SQLiteStore) migrate() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("%q: %w", p, err)
		}
	}
	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().UTC().Format(sqliteTimeFormat),
	)
	return err
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- buckets -----------------------------------------------------------

func (s *SQLiteStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets (name, region, owner_id, owner_display, acl, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		bucket.Name, bucket.Region, bucket.OwnerID, bucket.OwnerDisplay,
		orEmptyJSON(bucket.ACL), bucket.CreatedAt.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("bucket already exists: %s", bucket.Name)
		}
		return fmt.Errorf("creating bucket %q: %w", bucket.Name, err)
	}
	return nil
}

func (s *SQLiteStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, region, owner_id, owner_display, acl, created_at
		 FROM buckets WHERE name = ?`, name)

	var b BucketRecord
	var acl, createdAt string
	switch err := row.Scan(&b.Name, &b.Region, &b.OwnerID, &b.OwnerDisplay, &acl, &createdAt); err {
	case sql.ErrNoRows:
		return nil, nil
	case nil:
		b.ACL = json.RawMessage(acl)
		b.CreatedAt, _ = time.Parse(sqliteTimeFormat, createdAt)
		return &b, nil
	default:
		return nil, fmt.Errorf("getting bucket %q: %w", name, err)
	}
}

func (s *SQLiteStore) DeleteBucket(ctx context.Context, name string) error {
	exists, err := s.BucketExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket not found: %s", name)
	}

	for table, errMsg := range map[string]string{
		"objects":           "bucket not empty: %s",
		"multipart_uploads": "bucket not empty: %s",
	} {
		var n int
		if err := s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE bucket = ? LIMIT 1`, table), name,
		).Scan(&n); err != nil {
			return fmt.Errorf("checking bucket contents %q: %w", name, err)
		}
		if n > 0 {
			return fmt.Errorf(errMsg, name)
		}
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting bucket %q: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, region, owner_id, owner_display, acl, created_at
		 FROM buckets WHERE owner_id = ? ORDER BY name`, owner)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	defer rows.Close()

	var out []BucketRecord
	for rows.Next() {
		var b BucketRecord
		var acl, createdAt string
		if err := rows.Scan(&b.Name, &b.Region, &b.OwnerID, &b.OwnerDisplay, &acl, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning bucket row: %w", err)
		}
		b.ACL = json.RawMessage(acl)
		b.CreatedAt, _ = time.Parse(sqliteTimeFormat, createdAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) BucketExists(ctx context.Context, name string) (bool, error) {
	return s.rowExists(ctx, `SELECT COUNT(*) FROM buckets WHERE name = ?`, name)
}

func (s *SQLiteStore) UpdateBucketAcl(ctx context.Context, name string, acl json.RawMessage) error {
	n, err := s.execAffecting(ctx, `UPDATE buckets SET acl = ? WHERE name = ?`, string(acl), name)
	if err != nil {
		return fmt.Errorf("updating bucket ACL %q: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("bucket not found: %s", name)
	}
	return nil
}

// --- objects -------------------------------------------------------------

const objectColumns = `bucket, key, size, etag, content_type, content_encoding,
	content_language, content_disposition, cache_control, expires,
	storage_class, acl, user_metadata, last_modified, delete_marker`

func (s *SQLiteStore) PutObject(ctx context.Context, obj *ObjectRecord) error {
	args, err := objectWriteArgs(obj)
	if err != nil {
		return fmt.Errorf("putting object %q/%q: %w", obj.Bucket, obj.Key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO objects (`+objectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("putting object %q/%q: %w", obj.Bucket, obj.Key, err)
	}
	return nil
}

func (s *SQLiteStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+objectColumns+` FROM objects WHERE bucket = ? AND key = ?`, bucket, key)
	obj, err := scanObject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting object %q/%q: %w", bucket, key, err)
	}
	return obj, nil
}

func (s *SQLiteStore) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE bucket = ? AND key = ?`, bucket, key)
	if err != nil {
		return fmt.Errorf("deleting object %q/%q: %w", bucket, key, err)
	}
	return nil
}

func (s *SQLiteStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	return s.rowExists(ctx, `SELECT COUNT(*) FROM objects WHERE bucket = ? AND key = ?`, bucket, key)
}

// DeleteObjectsMeta deletes one row per key. S3's bulk-delete contract
// reports a key as deleted whether or not it existed, so a missing row is
// not an error; only a statement failure is.
func (s *SQLiteStore) DeleteObjectsMeta(ctx context.Context, bucket string, keys []string) ([]string, []error) {
	deleted := make([]string, 0, len(keys))
	var errs []error
	for _, key := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
			errs = append(errs, fmt.Errorf("deleting %q: %w", key, err))
			continue
		}
		deleted = append(deleted, key)
	}
	return deleted, errs
}

func (s *SQLiteStore) UpdateObjectAcl(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	n, err := s.execAffecting(ctx,
		`UPDATE objects SET acl = ? WHERE bucket = ? AND key = ?`, string(acl), bucket, key)
	if err != nil {
		return fmt.Errorf("updating object ACL %q/%q: %w", bucket, key, err)
	}
	if n == 0 {
		return fmt.Errorf("object not found: %s/%s", bucket, key)
	}
	return nil
}

func (s *SQLiteStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	cursor := listingCursor(opts)

	query := `SELECT ` + objectColumns + ` FROM objects WHERE bucket = ?`
	args := []any{bucket}
	if opts.Prefix != "" {
		query += ` AND key LIKE ? || '%' ESCAPE '\'`
		args = append(args, escapeLikePattern(opts.Prefix))
	}
	if cursor != "" {
		query += ` AND key > ?`
		args = append(args, cursor)
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing objects in %q: %w", bucket, err)
	}
	defer rows.Close()

	var matching []ObjectRecord
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning object row: %w", err)
		}
		matching = append(matching, *obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating object rows: %w", err)
	}

	if opts.Delimiter == "" {
		return paginateFlat(matching, maxKeys), nil
	}
	return paginateWithDelimiter(matching, opts.Prefix, opts.Delimiter, maxKeys), nil
}

// --- multipart uploads -----------------------------------------------------

const uploadColumns = `upload_id, bucket, key, content_type, content_encoding,
	content_language, content_disposition, cache_control, expires,
	storage_class, acl, user_metadata, owner_id, owner_display, initiated_at`

func (s *SQLiteStore) CreateMultipartUpload(ctx context.Context, upload *MultipartUploadRecord) (string, error) {
	uploadID := upload.UploadID
	if uploadID == "" {
		uploadID = uid.New()
	}

	userMeta, err := encodeUserMetadata(upload.UserMetadata)
	if err != nil {
		return "", fmt.Errorf("marshaling user metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO multipart_uploads (`+uploadColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uploadID, upload.Bucket, upload.Key,
		orDefault(upload.ContentType, "application/octet-stream"),
		nullString(upload.ContentEncoding), nullString(upload.ContentLanguage),
		nullString(upload.ContentDisposition), nullString(upload.CacheControl),
		nullString(upload.Expires), orDefault(upload.StorageClass, "STANDARD"),
		orEmptyJSON(upload.ACL), userMeta, upload.OwnerID, upload.OwnerDisplay,
		upload.InitiatedAt.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return "", fmt.Errorf("creating multipart upload: %w", err)
	}
	return uploadID, nil
}

func (s *SQLiteStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+uploadColumns+` FROM multipart_uploads WHERE upload_id = ? AND bucket = ? AND key = ?`,
		uploadID, bucket, key)
	u, err := scanUpload(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting multipart upload %q: %w", uploadID, err)
	}
	return u, nil
}

func (s *SQLiteStore) PutPart(ctx context.Context, part *PartRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO multipart_parts (upload_id, part_number, size, etag, last_modified)
		 VALUES (?, ?, ?, ?, ?)`,
		part.UploadID, part.PartNumber, part.Size, part.ETag,
		part.LastModified.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("putting part %d for upload %q: %w", part.PartNumber, part.UploadID, err)
	}
	return nil
}

func (s *SQLiteStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	maxParts := opts.MaxParts
	if maxParts <= 0 {
		maxParts = 1000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT upload_id, part_number, size, etag, last_modified
		 FROM multipart_parts WHERE upload_id = ? AND part_number > ?
		 ORDER BY part_number`, uploadID, opts.PartNumberMarker)
	if err != nil {
		return nil, fmt.Errorf("listing parts for upload %q: %w", uploadID, err)
	}
	defer rows.Close()

	parts, err := scanParts(rows)
	if err != nil {
		return nil, err
	}

	truncated := len(parts) > maxParts
	if truncated {
		parts = parts[:maxParts]
	}
	result := &ListPartsResult{Parts: parts, IsTruncated: truncated}
	if truncated && len(parts) > 0 {
		result.NextPartNumberMarker = parts[len(parts)-1].PartNumber
	}
	return result, nil
}

func (s *SQLiteStore) GetPartsForCompletion(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	if len(partNumbers) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(partNumbers))
	args := make([]any, 0, len(partNumbers)+1)
	args = append(args, uploadID)
	for i, n := range partNumbers {
		placeholders[i] = "?"
		args = append(args, n)
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT upload_id, part_number, size, etag, last_modified
		 FROM multipart_parts WHERE upload_id = ? AND part_number IN (%s)
		 ORDER BY part_number`, strings.Join(placeholders, ", ")),
		args...)
	if err != nil {
		return nil, fmt.Errorf("getting parts for completion: %w", err)
	}
	defer rows.Close()
	return scanParts(rows)
}

// CompleteMultipartUpload runs the object upsert plus both deletes inside
// one transaction: a crash between steps must never leave a half-written
// object visible, nor an upload that looks complete but still owns parts.
func (s *SQLiteStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning completion transaction: %w", err)
	}
	defer tx.Rollback()

	args, err := objectWriteArgs(obj)
	if err != nil {
		return fmt.Errorf("encoding completed object: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO objects (`+objectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	); err != nil {
		return fmt.Errorf("inserting completed object: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM multipart_parts WHERE upload_id = ?`, uploadID); err != nil {
		return fmt.Errorf("deleting parts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM multipart_uploads WHERE upload_id = ?`, uploadID); err != nil {
		return fmt.Errorf("deleting upload record: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning abort transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM multipart_parts WHERE upload_id = ?`, uploadID); err != nil {
		return fmt.Errorf("deleting parts: %w", err)
	}
	result, err := tx.ExecContext(ctx,
		`DELETE FROM multipart_uploads WHERE upload_id = ? AND bucket = ? AND key = ?`, uploadID, bucket, key)
	if err != nil {
		return fmt.Errorf("deleting upload record: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("upload not found: %s", uploadID)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	maxUploads := opts.MaxUploads
	if maxUploads <= 0 {
		maxUploads = 1000
	}

	query := `SELECT ` + uploadColumns + ` FROM multipart_uploads WHERE bucket = ?`
	args := []any{bucket}
	if opts.Prefix != "" {
		query += ` AND key LIKE ? || '%' ESCAPE '\'`
		args = append(args, escapeLikePattern(opts.Prefix))
	}
	switch {
	case opts.KeyMarker != "" && opts.UploadIDMarker != "":
		query += ` AND (key > ? OR (key = ? AND upload_id > ?))`
		args = append(args, opts.KeyMarker, opts.KeyMarker, opts.UploadIDMarker)
	case opts.KeyMarker != "":
		query += ` AND key > ?`
		args = append(args, opts.KeyMarker)
	}
	query += ` ORDER BY key, initiated_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing multipart uploads: %w", err)
	}
	defer rows.Close()

	var uploads []MultipartUploadRecord
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning upload row: %w", err)
		}
		uploads = append(uploads, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating upload rows: %w", err)
	}

	truncated := len(uploads) > maxUploads
	if truncated {
		uploads = uploads[:maxUploads]
	}
	result := &ListUploadsResult{Uploads: uploads, IsTruncated: truncated}
	if truncated && len(uploads) > 0 {
		last := uploads[len(uploads)-1]
		result.NextKeyMarker = last.Key
		result.NextUploadIDMarker = last.UploadID
	}
	return result, nil
}

// --- credentials -----------------------------------------------------------

func (s *SQLiteStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT access_key_id, secret_key, owner_id, display_name, active, created_at
		 FROM credentials WHERE access_key_id = ?`, accessKeyID)

	var c CredentialRecord
	var active int
	var createdAt string
	switch err := row.Scan(&c.AccessKeyID, &c.SecretKey, &c.OwnerID, &c.DisplayName, &active, &createdAt); err {
	case sql.ErrNoRows:
		return nil, nil
	case nil:
		c.Active = active != 0
		c.CreatedAt, _ = time.Parse(sqliteTimeFormat, createdAt)
		return &c, nil
	default:
		return nil, fmt.Errorf("getting credential %q: %w", accessKeyID, err)
	}
}

func (s *SQLiteStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	active := 0
	if cred.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO credentials (access_key_id, secret_key, owner_id, display_name, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cred.AccessKeyID, cred.SecretKey, cred.OwnerID, cred.DisplayName, active,
		cred.CreatedAt.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("putting credential %q: %w", cred.AccessKeyID, err)
	}
	return nil
}

// --- shared plumbing ---------------------------------------------------------

func (s *SQLiteStore) rowExists(ctx context.Context, query string, args ...any) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("checking existence: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) execAffecting(ctx context.Context, query string, args ...any) (int64, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orEmptyJSON(raw json.RawMessage) string {
	if raw == nil {
		return "{}"
	}
	return string(raw)
}

func encodeUserMetadata(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// escapeLikePattern escapes LIKE metacharacters so a prefix lookup can't
// be hijacked by a key containing literal '%' or '_'.
func escapeLikePattern(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

func objectWriteArgs(obj *ObjectRecord) ([]any, error) {
	userMeta, err := encodeUserMetadata(obj.UserMetadata)
	if err != nil {
		return nil, err
	}
	deleteMarker := 0
	if obj.DeleteMarker {
		deleteMarker = 1
	}
	return []any{
		obj.Bucket, obj.Key, obj.Size, obj.ETag,
		orDefault(obj.ContentType, "application/octet-stream"),
		nullString(obj.ContentEncoding), nullString(obj.ContentLanguage),
		nullString(obj.ContentDisposition), nullString(obj.CacheControl),
		nullString(obj.Expires), orDefault(obj.StorageClass, "STANDARD"),
		orEmptyJSON(obj.ACL), userMeta,
		obj.LastModified.UTC().Format(sqliteTimeFormat), deleteMarker,
	}, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows, letting
// scanObject/scanUpload serve single-row lookups and multi-row listings
// with one scan body each.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (*ObjectRecord, error) {
	var obj ObjectRecord
	var contentEncoding, contentLanguage, contentDisposition, cacheControl, expires sql.NullString
	var acl, userMeta, lastModified string
	var deleteMarker int

	err := row.Scan(
		&obj.Bucket, &obj.Key, &obj.Size, &obj.ETag, &obj.ContentType,
		&contentEncoding, &contentLanguage, &contentDisposition, &cacheControl, &expires,
		&obj.StorageClass, &acl, &userMeta, &lastModified, &deleteMarker,
	)
	if err != nil {
		return nil, err
	}

	obj.ContentEncoding = contentEncoding.String
	obj.ContentLanguage = contentLanguage.String
	obj.ContentDisposition = contentDisposition.String
	obj.CacheControl = cacheControl.String
	obj.Expires = expires.String
	obj.ACL = json.RawMessage(acl)
	obj.LastModified, _ = time.Parse(sqliteTimeFormat, lastModified)
	obj.DeleteMarker = deleteMarker != 0
	obj.UserMetadata = decodeUserMetadata(userMeta)
	return &obj, nil
}

func scanUpload(row rowScanner) (*MultipartUploadRecord, error) {
	var u MultipartUploadRecord
	var contentEncoding, contentLanguage, contentDisposition, cacheControl, expires sql.NullString
	var acl, userMeta, initiatedAt string

	err := row.Scan(
		&u.UploadID, &u.Bucket, &u.Key, &u.ContentType,
		&contentEncoding, &contentLanguage, &contentDisposition, &cacheControl, &expires,
		&u.StorageClass, &acl, &userMeta, &u.OwnerID, &u.OwnerDisplay, &initiatedAt,
	)
	if err != nil {
		return nil, err
	}

	u.ContentEncoding = contentEncoding.String
	u.ContentLanguage = contentLanguage.String
	u.ContentDisposition = contentDisposition.String
	u.CacheControl = cacheControl.String
	u.Expires = expires.String
	u.ACL = json.RawMessage(acl)
	u.InitiatedAt, _ = time.Parse(sqliteTimeFormat, initiatedAt)
	u.UserMetadata = decodeUserMetadata(userMeta)
	return &u, nil
}

func scanParts(rows *sql.Rows) ([]PartRecord, error) {
	var parts []PartRecord
	for rows.Next() {
		var p PartRecord
		var lastModified string
		if err := rows.Scan(&p.UploadID, &p.PartNumber, &p.Size, &p.ETag, &lastModified); err != nil {
			return nil, fmt.Errorf("scanning part row: %w", err)
		}
		p.LastModified, _ = time.Parse(sqliteTimeFormat, lastModified)
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating part rows: %w", err)
	}
	return parts, nil
}

func decodeUserMetadata(raw string) map[string]string {
	if raw == "" || raw == "{}" {
		return nil
	}
	m := make(map[string]string)
	json.Unmarshal([]byte(raw), &m)
	return m
}

// generateUploadID is the multipart upload ID generator used by LocalStore;
// the other stores in this package call uid.New directly.
func generateUploadID() (string, error) {
	return uid.New(), nil
}
