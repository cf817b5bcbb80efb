package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

type memBlob struct {
	Data []byte
	ETag string
}

// MemoryBackend keeps every object and part in process memory, optionally
// mirrored to a SQLite file on an interval so restarts don't start empty.
// It is meant for tests and throwaway environments, not durability.
type MemoryBackend struct {
	mu           sync.RWMutex
	objects      map[string]memBlob // key: "bucket/key"
	parts        map[string]memBlob // key: "uploadID/partNumber"
	currentSize  int64
	maxSizeBytes int64

	persistence             string
	snapshotPath            string
	snapshotIntervalSeconds int
	stopCh                  chan struct{}
	wg                      sync.WaitGroup
}

func NewMemoryBackend(maxSizeBytes int64, persistence string, snapshotPath string, snapshotIntervalSeconds int) (*MemoryBackend, error) {
	b := &MemoryBackend{
		objects: make(map[string]memBlob), parts: make(map[string]memBlob),
		maxSizeBytes: maxSizeBytes, persistence: persistence, snapshotPath: snapshotPath,
		snapshotIntervalSeconds: snapshotIntervalSeconds, stopCh: make(chan struct{}),
	}

	if persistence == "snapshot" && snapshotPath != "" {
		if err := b.loadSnapshot(); err != nil {
			return nil, fmt.Errorf("loading snapshot: %w", err)
		}
		if snapshotIntervalSeconds > 0 {
			b.wg.Add(1)
			go b.snapshotLoop()
		}
	}
	return b, nil
}

func objectKey(bucket, key string) string        { return bucket + "/" + key }
func partKey(uploadID string, partNumber int) string { return fmt.Sprintf("%s/%05d", uploadID, partNumber) }
func computeETag(data []byte) string {
	h := md5.Sum(data)
	return fmt.Sprintf(`"%x"`, h[:])
}

// reserveLocked accounts for a size delta against maxSizeBytes. Caller
// holds b.mu. Must be called before committing the blob that delta
// describes, so a rejected write never mutates currentSize.
func (b *MemoryBackend) reserveLocked(delta int64) error {
	if b.maxSizeBytes > 0 && b.currentSize+delta > b.maxSizeBytes {
		return fmt.Errorf("memory limit exceeded: current=%d, delta=%d, max=%d", b.currentSize, delta, b.maxSizeBytes)
	}
	b.currentSize += delta
	return nil
}

func (b *MemoryBackend) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", fmt.Errorf("reading object data: %w", err)
	}
	etag := computeETag(data)
	ok := objectKey(bucket, key)

	b.mu.Lock()
	defer b.mu.Unlock()
	delta := int64(len(data))
	if existing, found := b.objects[ok]; found {
		delta -= int64(len(existing.Data))
	}
	if err := b.reserveLocked(delta); err != nil {
		return 0, "", err
	}
	b.objects[ok] = memBlob{Data: data, ETag: etag}
	return int64(len(data)), etag, nil
}

func (b *MemoryBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, found := b.objects[objectKey(bucket, key)]
	if !found {
		return nil, 0, "", fmt.Errorf("object not found: %s/%s", bucket, key)
	}
	dataCopy := append([]byte(nil), obj.Data...)
	return io.NopCloser(bytes.NewReader(dataCopy)), int64(len(obj.Data)), obj.ETag, nil
}

func (b *MemoryBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ok := objectKey(bucket, key)
	if obj, found := b.objects[ok]; found {
		b.currentSize -= int64(len(obj.Data))
		delete(b.objects, ok)
	}
	return nil
}

func (b *MemoryBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, found := b.objects[objectKey(srcBucket, srcKey)]
	if !found {
		return "", fmt.Errorf("source object not found: %s/%s", srcBucket, srcKey)
	}
	dataCopy := append([]byte(nil), obj.Data...)

	dstOK := objectKey(dstBucket, dstKey)
	delta := int64(len(dataCopy))
	if existing, found := b.objects[dstOK]; found {
		delta -= int64(len(existing.Data))
	}
	if err := b.reserveLocked(delta); err != nil {
		return "", err
	}

	etag := computeETag(dataCopy)
	b.objects[dstOK] = memBlob{Data: dataCopy, ETag: etag}
	return etag, nil
}

func (b *MemoryBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("reading part data: %w", err)
	}
	etag := computeETag(data)
	pk := partKey(uploadID, partNumber)

	b.mu.Lock()
	defer b.mu.Unlock()
	delta := int64(len(data))
	if existing, found := b.parts[pk]; found {
		delta -= int64(len(existing.Data))
	}
	if err := b.reserveLocked(delta); err != nil {
		return "", err
	}
	b.parts[pk] = memBlob{Data: data, ETag: etag}
	return etag, nil
}

// AssembleParts concatenates the given parts in order into a new object
// and frees the parts, computing the usual composite ETag along the way.
func (b *MemoryBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var assembled []byte
	compositeMD5 := md5.New()
	for _, pn := range partNumbers {
		part, found := b.parts[partKey(uploadID, pn)]
		if !found {
			return "", fmt.Errorf("part not found: uploadID=%s partNumber=%d", uploadID, pn)
		}
		assembled = append(assembled, part.Data...)
		partHash := md5.Sum(part.Data)
		compositeMD5.Write(partHash[:])
	}

	ok := objectKey(bucket, key)
	delta := int64(len(assembled))
	if existing, found := b.objects[ok]; found {
		delta -= int64(len(existing.Data))
	}
	delta -= b.removePartsLocked(uploadID)

	if err := b.reserveLocked(delta); err != nil {
		return "", err
	}

	etag := fmt.Sprintf(`"%x-%d"`, compositeMD5.Sum(nil), len(partNumbers))
	b.objects[ok] = memBlob{Data: assembled, ETag: etag}
	return etag, nil
}

func (b *MemoryBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	return b.DeleteUploadParts(uploadID)
}

// DeleteUploadParts discards every part belonging to uploadID; used by
// the startup reaper, which has no bucket/key to go with the upload ID.
func (b *MemoryBackend) DeleteUploadParts(uploadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentSize -= b.removePartsLocked(uploadID)
	return nil
}

func (b *MemoryBackend) removePartsLocked(uploadID string) int64 {
	prefix := uploadID + "/"
	var removed int64
	for k, part := range b.parts {
		if strings.HasPrefix(k, prefix) {
			removed += int64(len(part.Data))
			delete(b.parts, k)
		}
	}
	return removed
}

// Bucket existence lives in the metadata store; the memory backend has
// nothing of its own to create or remove.
func (b *MemoryBackend) CreateBucket(ctx context.Context, bucket string) error { return nil }
func (b *MemoryBackend) DeleteBucket(ctx context.Context, bucket string) error { return nil }

func (b *MemoryBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, found := b.objects[objectKey(bucket, key)]
	return found, nil
}

func (b *MemoryBackend) HealthCheck(ctx context.Context) error { return nil }

func (b *MemoryBackend) Close() error {
	close(b.stopCh)
	b.wg.Wait()

	if b.persistence == "snapshot" && b.snapshotPath != "" {
		if err := b.writeSnapshot(); err != nil {
			return fmt.Errorf("writing final snapshot: %w", err)
		}
	}
	return nil
}

func (b *MemoryBackend) snapshotLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(time.Duration(b.snapshotIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			if err := b.writeSnapshot(); err != nil {
				log.Printf("ERROR: memory backend snapshot failed: %v", err)
			}
		}
	}
}

const snapshotSchema = `
	PRAGMA journal_mode = WAL;
	PRAGMA synchronous = FULL;

	CREATE TABLE object_snapshots (
		bucket TEXT NOT NULL,
		key    TEXT NOT NULL,
		data   BLOB NOT NULL,
		etag   TEXT NOT NULL,
		PRIMARY KEY (bucket, key)
	);

	CREATE TABLE part_snapshots (
		upload_id   TEXT NOT NULL,
		part_number INTEGER NOT NULL,
		data        BLOB NOT NULL,
		etag        TEXT NOT NULL,
		PRIMARY KEY (upload_id, part_number)
	);
`

func (b *MemoryBackend) loadSnapshot() error {
	if _, err := os.Stat(b.snapshotPath); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", b.snapshotPath)
	if err != nil {
		return fmt.Errorf("opening snapshot database: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return fmt.Errorf("setting journal mode: %w", err)
	}

	var tableCount int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('object_snapshots', 'part_snapshots')`).Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("checking snapshot tables: %w", err)
	}
	if tableCount == 0 {
		return nil
	}

	if err := b.loadObjectSnapshots(db); err != nil {
		return err
	}
	return b.loadPartSnapshots(db)
}

func (b *MemoryBackend) loadObjectSnapshots(db *sql.DB) error {
	rows, err := db.Query("SELECT bucket, key, data, etag FROM object_snapshots")
	if err != nil {
		return fmt.Errorf("querying object snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var bucket, key, etag string
		var data []byte
		if err := rows.Scan(&bucket, &key, &data, &etag); err != nil {
			return fmt.Errorf("scanning object snapshot row: %w", err)
		}
		b.objects[objectKey(bucket, key)] = memBlob{Data: data, ETag: etag}
		b.currentSize += int64(len(data))
	}
	return rows.Err()
}

func (b *MemoryBackend) loadPartSnapshots(db *sql.DB) error {
	rows, err := db.Query("SELECT upload_id, part_number, data, etag FROM part_snapshots")
	if err != nil {
		return fmt.Errorf("querying part snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var uploadID, etag string
		var partNumber int
		var data []byte
		if err := rows.Scan(&uploadID, &partNumber, &data, &etag); err != nil {
			return fmt.Errorf("scanning part snapshot row: %w", err)
		}
		b.parts[partKey(uploadID, partNumber)] = memBlob{Data: data, ETag: etag}
		b.currentSize += int64(len(data))
	}
	return rows.Err()
}

// writeSnapshot builds a fresh SQLite file under a temp name and renames
// it into place, so a reader never observes a half-written snapshot.
func (b *MemoryBackend) writeSnapshot() error {
	b.mu.RLock()
	objectsCopy := make(map[string]memBlob, len(b.objects))
	for k, v := range b.objects {
		objectsCopy[k] = v
	}
	partsCopy := make(map[string]memBlob, len(b.parts))
	for k, v := range b.parts {
		partsCopy[k] = v
	}
	b.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(b.snapshotPath), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmpPath := b.snapshotPath + ".tmp"
	os.Remove(tmpPath)

	db, err := sql.Open("sqlite", tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp snapshot database: %w", err)
	}
	cleanup := func(err error) error {
		db.Close()
		os.Remove(tmpPath)
		return err
	}

	if _, err := db.Exec(snapshotSchema); err != nil {
		return cleanup(fmt.Errorf("creating snapshot schema: %w", err))
	}

	tx, err := db.Begin()
	if err != nil {
		return cleanup(fmt.Errorf("beginning snapshot transaction: %w", err))
	}
	if err := writeObjectSnapshots(tx, objectsCopy); err != nil {
		tx.Rollback()
		return cleanup(err)
	}
	if err := writePartSnapshots(tx, partsCopy); err != nil {
		tx.Rollback()
		return cleanup(err)
	}
	if err := tx.Commit(); err != nil {
		return cleanup(fmt.Errorf("committing snapshot transaction: %w", err))
	}
	if err := db.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp snapshot database: %w", err)
	}

	if err := os.Rename(tmpPath, b.snapshotPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming snapshot file: %w", err)
	}
	// WAL/SHM siblings of the temp database can linger past the rename.
	os.Remove(tmpPath + "-wal")
	os.Remove(tmpPath + "-shm")
	return nil
}

func writeObjectSnapshots(tx *sql.Tx, objects map[string]memBlob) error {
	stmt, err := tx.Prepare("INSERT INTO object_snapshots (bucket, key, data, etag) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing object insert: %w", err)
	}
	defer stmt.Close()

	for _, ok := range sortedStringKeys(objects) {
		obj := objects[ok]
		bucket, key := splitObjectKey(ok)
		if _, err := stmt.Exec(bucket, key, obj.Data, obj.ETag); err != nil {
			return fmt.Errorf("inserting object snapshot for %q: %w", ok, err)
		}
	}
	return nil
}

func writePartSnapshots(tx *sql.Tx, parts map[string]memBlob) error {
	stmt, err := tx.Prepare("INSERT INTO part_snapshots (upload_id, part_number, data, etag) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing part insert: %w", err)
	}
	defer stmt.Close()

	for _, pk := range sortedStringKeys(parts) {
		part := parts[pk]
		uploadID, partNumber := splitPartKey(pk)
		if _, err := stmt.Exec(uploadID, partNumber, part.Data, part.ETag); err != nil {
			return fmt.Errorf("inserting part snapshot for %q: %w", pk, err)
		}
	}
	return nil
}

func sortedStringKeys(m map[string]memBlob) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func splitObjectKey(ok string) (bucket, key string) {
	if i := strings.IndexByte(ok, '/'); i >= 0 {
		return ok[:i], ok[i+1:]
	}
	return ok, ""
}

func splitPartKey(pk string) (uploadID string, partNumber int) {
	if i := strings.LastIndexByte(pk, '/'); i >= 0 {
		uploadID = pk[:i]
		fmt.Sscanf(pk[i+1:], "%d", &partNumber)
		return
	}
	return pk, 0
}

var _ StorageBackend = (*MemoryBackend)(nil)
