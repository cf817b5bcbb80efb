package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"database/sql"
	"fmt"
	"io"
	"sort"

	_ "modernc.org/sqlite"
)

// SQLiteBackend stores object and part bytes as BLOBs in a single SQLite
// file, which keeps it simple to operate but caps it to small-to-medium
// objects on a single node.
type SQLiteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite storage database: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite storage database: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS object_data (
			bucket TEXT NOT NULL,
			key    TEXT NOT NULL,
			data   BLOB NOT NULL,
			etag   TEXT NOT NULL,
			PRIMARY KEY (bucket, key)
		);

		CREATE TABLE IF NOT EXISTS part_data (
			upload_id   TEXT    NOT NULL,
			part_number INTEGER NOT NULL,
			data        BLOB    NOT NULL,
			etag        TEXT    NOT NULL,
			PRIMARY KEY (upload_id, part_number)
		);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("creating storage schema: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// putObjectData upserts bucket/key with data and etag, shared by PutObject,
// CopyObject, and AssembleParts.
func (b *SQLiteBackend) putObjectData(ctx context.Context, bucket, key string, data []byte, etag string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO object_data (bucket, key, data, etag) VALUES (?, ?, ?, ?)`,
		bucket, key, data, etag,
	)
	if err != nil {
		return fmt.Errorf("putting object %q/%q: %w", bucket, key, err)
	}
	return nil
}

func (b *SQLiteBackend) getObjectData(ctx context.Context, bucket, key string) ([]byte, string, error) {
	var data []byte
	var etag string
	err := b.db.QueryRowContext(ctx,
		`SELECT data, etag FROM object_data WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&data, &etag)
	if err == sql.ErrNoRows {
		return nil, "", fmt.Errorf("object not found: %s/%s", bucket, key)
	}
	if err != nil {
		return nil, "", fmt.Errorf("reading object %q/%q: %w", bucket, key, err)
	}
	return data, etag, nil
}

// deletePartsForUpload removes every row in part_data for uploadID; shared
// by AssembleParts, DeleteParts, and the reaper's DeleteUploadParts.
func (b *SQLiteBackend) deletePartsForUpload(ctx context.Context, uploadID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM part_data WHERE upload_id = ?`, uploadID)
	if err != nil {
		return fmt.Errorf("deleting parts for upload %q: %w", uploadID, err)
	}
	return nil
}

func (b *SQLiteBackend) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", fmt.Errorf("reading object data: %w", err)
	}
	etag := computeETag(data)
	if err := b.putObjectData(ctx, bucket, key, data, etag); err != nil {
		return 0, "", err
	}
	return int64(len(data)), etag, nil
}

func (b *SQLiteBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, string, error) {
	data, etag, err := b.getObjectData(ctx, bucket, key)
	if err != nil {
		return nil, 0, "", err
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), etag, nil
}

func (b *SQLiteBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM object_data WHERE bucket = ? AND key = ?`, bucket, key)
	if err != nil {
		return fmt.Errorf("deleting object %q/%q: %w", bucket, key, err)
	}
	return nil
}

func (b *SQLiteBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	data, etag, err := b.getObjectData(ctx, srcBucket, srcKey)
	if err != nil {
		return "", fmt.Errorf("source object not found: %s/%s: %w", srcBucket, srcKey, err)
	}
	if err := b.putObjectData(ctx, dstBucket, dstKey, data, etag); err != nil {
		return "", err
	}
	return etag, nil
}

func (b *SQLiteBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("reading part data: %w", err)
	}
	etag := computeETag(data)

	_, err = b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO part_data (upload_id, part_number, data, etag) VALUES (?, ?, ?, ?)`,
		uploadID, partNumber, data, etag,
	)
	if err != nil {
		return "", fmt.Errorf("putting part %d for upload %q: %w", partNumber, uploadID, err)
	}
	return etag, nil
}

// AssembleParts concatenates parts in ascending part-number order and
// derives the S3-style composite ETag "md5-of-part-md5s-N" without
// rereading the assembled blob.
func (b *SQLiteBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (string, error) {
	sorted := make([]int, len(partNumbers))
	copy(sorted, partNumbers)
	sort.Ints(sorted)

	var assembled bytes.Buffer
	compositeMD5 := md5.New()

	for _, pn := range sorted {
		var data []byte
		err := b.db.QueryRowContext(ctx,
			`SELECT data FROM part_data WHERE upload_id = ? AND part_number = ?`,
			uploadID, pn,
		).Scan(&data)
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("part %d not found for upload %q", pn, uploadID)
		}
		if err != nil {
			return "", fmt.Errorf("reading part %d for upload %q: %w", pn, uploadID, err)
		}
		assembled.Write(data)
		partHash := md5.Sum(data)
		compositeMD5.Write(partHash[:])
	}

	etag := fmt.Sprintf(`"%x-%d"`, compositeMD5.Sum(nil), len(sorted))
	if err := b.putObjectData(ctx, bucket, key, assembled.Bytes(), etag); err != nil {
		return "", fmt.Errorf("storing assembled object: %w", err)
	}
	if err := b.deletePartsForUpload(ctx, uploadID); err != nil {
		return "", err
	}
	return etag, nil
}

func (b *SQLiteBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	return b.deletePartsForUpload(ctx, uploadID)
}

// DeleteUploadParts is DeleteParts without a bucket/key, for the startup
// reaper which only knows the upload ID.
func (b *SQLiteBackend) DeleteUploadParts(uploadID string) error {
	return b.deletePartsForUpload(context.Background(), uploadID)
}

func (b *SQLiteBackend) CreateBucket(ctx context.Context, bucket string) error { return nil }
func (b *SQLiteBackend) DeleteBucket(ctx context.Context, bucket string) error { return nil }

func (b *SQLiteBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	var count int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM object_data WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking object existence %q/%q: %w", bucket, key, err)
	}
	return count > 0, nil
}

func (b *SQLiteBackend) HealthCheck(ctx context.Context) error {
	var n int
	return b.db.QueryRowContext(ctx, `SELECT 1`).Scan(&n)
}

var _ StorageBackend = (*SQLiteBackend)(nil)
