package metadata

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/objectvault/bleepstore/internal/config"
)

// jsonlEntry is the envelope every line in a *.jsonl log carries: a type
// tag for routing during replay, the record payload, and enough key
// fields to represent a tombstone without re-encoding the whole record.
type jsonlEntry struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Deleted  bool            `json:"_deleted,omitempty"`
	Key      string          `json:"key,omitempty"`
	UploadID string          `json:"upload_id,omitempty"`
	Bucket   string          `json:"bucket,omitempty"`
}

// LocalStore is an append-only JSONL log per record kind, replayed into
// memory at startup and optionally compacted. It trades SQLite's
// transactional guarantees for zero external dependencies: single-writer
// deployments that want durable metadata without a database file.
type LocalStore struct {
	mu          sync.RWMutex
	rootDir     string
	compactOn   bool
	buckets     map[string]*BucketRecord
	objects     map[string]map[string]*ObjectRecord
	uploads     map[string]*MultipartUploadRecord
	parts       map[string]map[int]*PartRecord
	credentials map[string]*CredentialRecord
}

func NewLocalStore(cfg *config.LocalMetaConfig) (*LocalStore, error) {
	if cfg == nil {
		cfg = &config.LocalMetaConfig{}
	}
	if cfg.RootDir == "" {
		cfg.RootDir = "./data/metadata"
	}
	if err := os.MkdirAll(cfg.RootDir, 0755); err != nil {
		return nil, fmt.Errorf("creating metadata directory: %w", err)
	}

	s := &LocalStore{
		rootDir:     cfg.RootDir,
		compactOn:   cfg.CompactOnStartup,
		buckets:     make(map[string]*BucketRecord),
		objects:     make(map[string]map[string]*ObjectRecord),
		uploads:     make(map[string]*MultipartUploadRecord),
		parts:       make(map[string]map[int]*PartRecord),
		credentials: make(map[string]*CredentialRecord),
	}
	if err := s.replayLog(); err != nil {
		return nil, fmt.Errorf("replaying metadata log: %w", err)
	}
	if s.compactOn {
		if err := s.compact(); err != nil {
			return nil, fmt.Errorf("compacting metadata: %w", err)
		}
	}
	return s, nil
}

// --- replay ------------------------------------------------------------

func (s *LocalStore) replayLog() error {
	replayers := []func() error{
		s.replayBuckets, s.replayObjects, s.replayUploads, s.replayParts, s.replayCredentials,
	}
	for _, replay := range replayers {
		if err := replay(); err != nil {
			return err
		}
	}
	return nil
}

func (s *LocalStore) replayBuckets() error {
	return replayJSONL(s.logPath("buckets.jsonl"), func(e jsonlEntry) error {
		if e.Deleted {
			delete(s.buckets, e.Key)
			return nil
		}
		var b BucketRecord
		if err := json.Unmarshal(e.Data, &b); err != nil {
			return err
		}
		s.buckets[b.Name] = &b
		return nil
	})
}

func (s *LocalStore) replayObjects() error {
	return replayJSONL(s.logPath("objects.jsonl"), func(e jsonlEntry) error {
		if e.Deleted {
			if objs := s.objects[e.Bucket]; objs != nil {
				delete(objs, e.Key)
			}
			return nil
		}
		var obj ObjectRecord
		if err := json.Unmarshal(e.Data, &obj); err != nil {
			return err
		}
		if s.objects[obj.Bucket] == nil {
			s.objects[obj.Bucket] = make(map[string]*ObjectRecord)
		}
		s.objects[obj.Bucket][obj.Key] = &obj
		return nil
	})
}

func (s *LocalStore) replayUploads() error {
	return replayJSONL(s.logPath("uploads.jsonl"), func(e jsonlEntry) error {
		if e.Deleted {
			delete(s.uploads, e.UploadID)
			return nil
		}
		var u MultipartUploadRecord
		if err := json.Unmarshal(e.Data, &u); err != nil {
			return err
		}
		s.uploads[u.UploadID] = &u
		return nil
	})
}

func (s *LocalStore) replayParts() error {
	return replayJSONL(s.logPath("parts.jsonl"), func(e jsonlEntry) error {
		if e.Deleted {
			return nil
		}
		var p PartRecord
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return err
		}
		if s.parts[p.UploadID] == nil {
			s.parts[p.UploadID] = make(map[int]*PartRecord)
		}
		s.parts[p.UploadID][p.PartNumber] = &p
		return nil
	})
}

func (s *LocalStore) replayCredentials() error {
	return replayJSONL(s.logPath("credentials.jsonl"), func(e jsonlEntry) error {
		if e.Deleted {
			return nil
		}
		var c CredentialRecord
		if err := json.Unmarshal(e.Data, &c); err != nil {
			return err
		}
		s.credentials[c.AccessKeyID] = &c
		return nil
	})
}

func (s *LocalStore) logPath(filename string) string {
	return filepath.Join(s.rootDir, filename)
}

// replayJSONL feeds every well-formed line of path to handler in order.
// A line that fails to parse is skipped rather than aborting replay —
// a torn write at the tail of the log must not take down the whole store.
func replayJSONL(path string, handler func(jsonlEntry) error) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry jsonlEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *LocalStore) appendEntry(filename string, entry jsonlEntry) error {
	f, err := os.OpenFile(s.logPath(filename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return writeJSONLLine(f, entry)
}

func writeJSONLLine(f *os.File, entry jsonlEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

func marshalEntry(kind string, v any) jsonlEntry {
	data, _ := json.Marshal(v)
	return jsonlEntry{Type: kind, Data: data}
}

// --- compaction ----------------------------------------------------------

// compact rewrites each log file from the in-memory snapshot, dropping
// tombstones and superseded revisions. It must hold the write lock: a
// concurrent appendEntry interleaved with the rewrite would be lost.
func (s *LocalStore) compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := snapshotRecords(s.logPath("buckets.jsonl"), "bucket", mapValues(s.buckets)); err != nil {
		return err
	}

	flatObjects := make(map[string]*ObjectRecord)
	for _, perBucket := range s.objects {
		for k, v := range perBucket {
			flatObjects[v.Bucket+"/"+k] = v
		}
	}
	if err := snapshotRecords(s.logPath("objects.jsonl"), "object", mapValues(flatObjects)); err != nil {
		return err
	}
	if err := snapshotRecords(s.logPath("uploads.jsonl"), "upload", mapValues(s.uploads)); err != nil {
		return err
	}

	flatParts := make(map[string]*PartRecord)
	for uploadID, perUpload := range s.parts {
		for partNumber, part := range perUpload {
			flatParts[fmt.Sprintf("%s-%d", uploadID, partNumber)] = part
		}
	}
	if err := snapshotRecords(s.logPath("parts.jsonl"), "part", mapValues(flatParts)); err != nil {
		return err
	}
	return snapshotRecords(s.logPath("credentials.jsonl"), "credential", mapValues(s.credentials))
}

func mapValues[K comparable, V any](m map[K]V) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// snapshotRecords writes records as a fresh compacted log, swapped into
// place with an fsync'd temp file and atomic rename so a crash mid-write
// never corrupts the existing log.
func snapshotRecords[T any](path, kind string, records []T) error {
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	writeErr := func() error {
		for _, rec := range records {
			if err := writeJSONLLine(f, marshalEntry(kind, rec)); err != nil {
				return err
			}
		}
		return f.Sync()
	}()
	f.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return writeErr
	}
	return os.Rename(tmpPath, path)
}

// --- lifecycle -------------------------------------------------------------

func (s *LocalStore) Ping(context.Context) error { return nil }
func (s *LocalStore) Close() error                { return nil }

// --- buckets -----------------------------------------------------------

func (s *LocalStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.buckets[bucket.Name]; exists {
		return fmt.Errorf("bucket already exists: %s", bucket.Name)
	}
	cp := *bucket
	if cp.ACL == nil {
		cp.ACL = json.RawMessage("{}")
	}
	s.buckets[bucket.Name] = &cp
	return s.appendEntry("buckets.jsonl", marshalEntry("bucket", &cp))
}

func (s *LocalStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, exists := s.buckets[name]
	if !exists {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *LocalStore) DeleteBucket(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.buckets[name]; !exists {
		return fmt.Errorf("bucket not found: %s", name)
	}
	if objs := s.objects[name]; len(objs) > 0 {
		return fmt.Errorf("bucket not empty: %s", name)
	}
	for _, u := range s.uploads {
		if u.Bucket == name {
			return fmt.Errorf("bucket not empty: %s", name)
		}
	}
	delete(s.buckets, name)
	return s.appendEntry("buckets.jsonl", jsonlEntry{Type: "bucket", Deleted: true, Key: name})
}

func (s *LocalStore) ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []BucketRecord
	for _, b := range s.buckets {
		if b.OwnerID == owner {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *LocalStore) BucketExists(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.buckets[name]
	return exists, nil
}

func (s *LocalStore) UpdateBucketAcl(ctx context.Context, name string, acl json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, exists := s.buckets[name]
	if !exists {
		return fmt.Errorf("bucket not found: %s", name)
	}
	b.ACL = acl
	return s.appendEntry("buckets.jsonl", marshalEntry("bucket", b))
}

// --- objects -------------------------------------------------------------

func (s *LocalStore) PutObject(ctx context.Context, obj *ObjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.buckets[obj.Bucket]; !exists {
		return fmt.Errorf("bucket not found: %s", obj.Bucket)
	}
	if s.objects[obj.Bucket] == nil {
		s.objects[obj.Bucket] = make(map[string]*ObjectRecord)
	}
	cp := normalizeObject(obj)
	s.objects[obj.Bucket][obj.Key] = &cp

	entry := marshalEntry("object", &cp)
	entry.Bucket, entry.Key = obj.Bucket, obj.Key
	return s.appendEntry("objects.jsonl", entry)
}

func (s *LocalStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if objs, exists := s.objects[bucket]; exists {
		if obj, exists := objs[key]; exists {
			cp := *obj
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *LocalStore) DeleteObject(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if objs, exists := s.objects[bucket]; exists {
		delete(objs, key)
	}
	return s.appendEntry("objects.jsonl", jsonlEntry{Type: "object", Deleted: true, Bucket: bucket, Key: key})
}

func (s *LocalStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if objs, exists := s.objects[bucket]; exists {
		_, exists = objs[key]
		return exists, nil
	}
	return false, nil
}

func (s *LocalStore) DeleteObjectsMeta(ctx context.Context, bucket string, keys []string) ([]string, []error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	objs, exists := s.objects[bucket]
	if !exists {
		return keys, nil
	}
	deleted := make([]string, 0, len(keys))
	var errs []error
	for _, key := range keys {
		delete(objs, key)
		if err := s.appendEntry("objects.jsonl", jsonlEntry{Type: "object", Deleted: true, Bucket: bucket, Key: key}); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, key)
	}
	return deleted, errs
}

func (s *LocalStore) UpdateObjectAcl(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	objs, exists := s.objects[bucket]
	if !exists {
		return fmt.Errorf("object not found: %s/%s", bucket, key)
	}
	obj, exists := objs[key]
	if !exists {
		return fmt.Errorf("object not found: %s/%s", bucket, key)
	}
	obj.ACL = acl
	entry := marshalEntry("object", obj)
	entry.Bucket, entry.Key = bucket, key
	return s.appendEntry("objects.jsonl", entry)
}

func (s *LocalStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	cursor := listingCursor(opts)

	bucketObjects, exists := s.objects[bucket]
	if !exists {
		return &ListObjectsResult{}, nil
	}

	var matching []ObjectRecord
	for _, obj := range bucketObjects {
		if opts.Prefix != "" && !strings.HasPrefix(obj.Key, opts.Prefix) {
			continue
		}
		if cursor != "" && obj.Key <= cursor {
			continue
		}
		matching = append(matching, *obj)
	}
	sort.Slice(matching, func(i, j int) bool { return matching[i].Key < matching[j].Key })

	if opts.Delimiter == "" {
		return paginateFlat(matching, maxKeys), nil
	}
	return paginateWithDelimiter(matching, opts.Prefix, opts.Delimiter, maxKeys), nil
}

// --- multipart uploads -----------------------------------------------------

func (s *LocalStore) CreateMultipartUpload(ctx context.Context, upload *MultipartUploadRecord) (string, error) {
	uploadID := upload.UploadID
	if uploadID == "" {
		var err error
		uploadID, err = generateUploadID()
		if err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.buckets[upload.Bucket]; !exists {
		return "", fmt.Errorf("bucket not found: %s", upload.Bucket)
	}
	cp := normalizeUpload(upload)
	cp.UploadID = uploadID
	s.uploads[uploadID] = &cp

	entry := marshalEntry("upload", &cp)
	entry.UploadID, entry.Bucket, entry.Key = uploadID, upload.Bucket, upload.Key
	if err := s.appendEntry("uploads.jsonl", entry); err != nil {
		return "", err
	}
	return uploadID, nil
}

func (s *LocalStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, exists := s.uploads[uploadID]
	if !exists || u.Bucket != bucket || u.Key != key {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *LocalStore) PutPart(ctx context.Context, part *PartRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.uploads[part.UploadID]; !exists {
		return fmt.Errorf("upload not found: %s", part.UploadID)
	}
	if s.parts[part.UploadID] == nil {
		s.parts[part.UploadID] = make(map[int]*PartRecord)
	}
	cp := *part
	s.parts[part.UploadID][part.PartNumber] = &cp

	entry := marshalEntry("part", &cp)
	entry.UploadID = part.UploadID
	return s.appendEntry("parts.jsonl", entry)
}

func (s *LocalStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxParts := opts.MaxParts
	if maxParts <= 0 {
		maxParts = 1000
	}
	uploadParts, exists := s.parts[uploadID]
	if !exists {
		return &ListPartsResult{}, nil
	}

	var parts []PartRecord
	for number, part := range uploadParts {
		if number <= opts.PartNumberMarker {
			continue
		}
		parts = append(parts, *part)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

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

func (s *LocalStore) GetPartsForCompletion(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uploadParts, exists := s.parts[uploadID]
	if !exists {
		return nil, nil
	}
	parts := make([]PartRecord, 0, len(partNumbers))
	for _, n := range partNumbers {
		if part, exists := uploadParts[n]; exists {
			parts = append(parts, *part)
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

func (s *LocalStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.uploads[uploadID]; !exists {
		return fmt.Errorf("upload not found: %s", uploadID)
	}
	if s.objects[obj.Bucket] == nil {
		s.objects[obj.Bucket] = make(map[string]*ObjectRecord)
	}
	cp := normalizeObject(obj)
	s.objects[obj.Bucket][obj.Key] = &cp

	objEntry := marshalEntry("object", &cp)
	objEntry.Bucket, objEntry.Key = obj.Bucket, obj.Key
	if err := s.appendEntry("objects.jsonl", objEntry); err != nil {
		return err
	}
	if err := s.appendEntry("uploads.jsonl", jsonlEntry{Type: "upload", Deleted: true, UploadID: uploadID, Bucket: bucket, Key: key}); err != nil {
		return err
	}
	delete(s.parts, uploadID)
	delete(s.uploads, uploadID)
	return nil
}

func (s *LocalStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.uploads[uploadID]
	if !exists || u.Bucket != bucket || u.Key != key {
		return fmt.Errorf("upload not found: %s", uploadID)
	}
	if err := s.appendEntry("uploads.jsonl", jsonlEntry{Type: "upload", Deleted: true, UploadID: uploadID, Bucket: bucket, Key: key}); err != nil {
		return err
	}
	delete(s.parts, uploadID)
	delete(s.uploads, uploadID)
	return nil
}

func (s *LocalStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxUploads := opts.MaxUploads
	if maxUploads <= 0 {
		maxUploads = 1000
	}

	var matching []MultipartUploadRecord
	for _, u := range s.uploads {
		if u.Bucket != bucket {
			continue
		}
		if opts.Prefix != "" && !strings.HasPrefix(u.Key, opts.Prefix) {
			continue
		}
		if opts.KeyMarker != "" {
			if u.Key < opts.KeyMarker {
				continue
			}
			if u.Key == opts.KeyMarker && opts.UploadIDMarker != "" && u.UploadID <= opts.UploadIDMarker {
				continue
			}
		}
		matching = append(matching, *u)
	}
	sort.Slice(matching, func(i, j int) bool {
		if matching[i].Key != matching[j].Key {
			return matching[i].Key < matching[j].Key
		}
		return matching[i].InitiatedAt.Before(matching[j].InitiatedAt)
	})

	truncated := len(matching) > maxUploads
	if truncated {
		matching = matching[:maxUploads]
	}
	result := &ListUploadsResult{Uploads: matching, IsTruncated: truncated}
	if truncated && len(matching) > 0 {
		last := matching[len(matching)-1]
		result.NextKeyMarker = last.Key
		result.NextUploadIDMarker = last.UploadID
	}
	return result, nil
}

// --- credentials -----------------------------------------------------------

func (s *LocalStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, exists := s.credentials[accessKeyID]
	if !exists {
		return nil, nil
	}
	cp := *cred
	return &cp, nil
}

func (s *LocalStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cred
	s.credentials[cred.AccessKeyID] = &cp
	return s.appendEntry("credentials.jsonl", marshalEntry("credential", &cp))
}

// --- reaping ---------------------------------------------------------------

func (s *LocalStore) ReapExpiredUploads(ttlSeconds int) ([]ExpiredUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-time.Duration(ttlSeconds) * time.Second)
	var expired []ExpiredUpload
	for uploadID, u := range s.uploads {
		if !u.InitiatedAt.Before(cutoff) {
			continue
		}
		expired = append(expired, ExpiredUpload{UploadID: uploadID, BucketName: u.Bucket, ObjectKey: u.Key})
		s.appendEntry("uploads.jsonl", jsonlEntry{Type: "upload", Deleted: true, UploadID: uploadID, Bucket: u.Bucket, Key: u.Key})
		delete(s.parts, uploadID)
		delete(s.uploads, uploadID)
	}
	return expired, nil
}
