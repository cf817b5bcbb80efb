package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/objectvault/bleepstore/internal/uid"
)

// MemoryStore is a mutex-guarded, map-backed MetadataStore used by the bulk
// of the package's unit tests; cmd/bleepstore does not open it (the server
// binary always uses SQLiteStore). Nothing here survives a process restart.
type MemoryStore struct {
	mu sync.RWMutex

	buckets     map[string]*BucketRecord
	objects     map[string]map[string]*ObjectRecord // bucket -> key -> record
	uploads     map[string]*MultipartUploadRecord    // uploadID -> record
	parts       map[string]map[int]*PartRecord       // uploadID -> partNumber -> record
	credentials map[string]*CredentialRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets:     make(map[string]*BucketRecord),
		objects:     make(map[string]map[string]*ObjectRecord),
		uploads:     make(map[string]*MultipartUploadRecord),
		parts:       make(map[string]map[int]*PartRecord),
		credentials: make(map[string]*CredentialRecord),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error                { return nil }

// --- buckets -----------------------------------------------------------

func (s *MemoryStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[bucket.Name]; ok {
		return fmt.Errorf("bucket already exists: %s", bucket.Name)
	}
	cp := *bucket
	if cp.ACL == nil {
		cp.ACL = json.RawMessage("{}")
	}
	s.buckets[bucket.Name] = &cp
	return nil
}

func (s *MemoryStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[name]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) DeleteBucket(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[name]; !ok {
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
	return nil
}

func (s *MemoryStore) ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error) {
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

func (s *MemoryStore) BucketExists(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *MemoryStore) UpdateBucketAcl(ctx context.Context, name string, acl json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[name]
	if !ok {
		return fmt.Errorf("bucket not found: %s", name)
	}
	b.ACL = acl
	return nil
}

// --- objects -------------------------------------------------------------

func normalizeObject(obj *ObjectRecord) ObjectRecord {
	cp := *obj
	if cp.ContentType == "" {
		cp.ContentType = "application/octet-stream"
	}
	if cp.StorageClass == "" {
		cp.StorageClass = "STANDARD"
	}
	if cp.ACL == nil {
		cp.ACL = json.RawMessage("{}")
	}
	if cp.UserMetadata == nil {
		cp.UserMetadata = make(map[string]string)
	}
	return cp
}

func (s *MemoryStore) PutObject(ctx context.Context, obj *ObjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[obj.Bucket]; !ok {
		return fmt.Errorf("bucket not found: %s", obj.Bucket)
	}
	if s.objects[obj.Bucket] == nil {
		s.objects[obj.Bucket] = make(map[string]*ObjectRecord)
	}
	cp := normalizeObject(obj)
	s.objects[obj.Bucket][obj.Key] = &cp
	return nil
}

func (s *MemoryStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if objs, ok := s.objects[bucket]; ok {
		if obj, ok := objs[key]; ok {
			cp := *obj
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) DeleteObject(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if objs, ok := s.objects[bucket]; ok {
		delete(objs, key)
	}
	return nil
}

func (s *MemoryStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if objs, ok := s.objects[bucket]; ok {
		_, ok = objs[key]
		return ok, nil
	}
	return false, nil
}

func (s *MemoryStore) DeleteObjectsMeta(ctx context.Context, bucket string, keys []string) ([]string, []error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	objs, ok := s.objects[bucket]
	if !ok {
		return keys, nil
	}
	deleted := make([]string, 0, len(keys))
	for _, key := range keys {
		delete(objs, key)
		deleted = append(deleted, key)
	}
	return deleted, nil
}

func (s *MemoryStore) UpdateObjectAcl(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if objs, ok := s.objects[bucket]; ok {
		if obj, ok := objs[key]; ok {
			obj.ACL = acl
			return nil
		}
	}
	return fmt.Errorf("object not found: %s/%s", bucket, key)
}

// listingCursor returns the key after which results should resume,
// reconciling the three different pagination parameter names ListObjects
// has accumulated across S3 API versions (marker, start-after,
// continuation-token).
func listingCursor(opts ListObjectsOptions) string {
	if opts.ContinuationToken != "" {
		return opts.ContinuationToken
	}
	if opts.StartAfter != "" {
		return opts.StartAfter
	}
	return opts.Marker
}

func (s *MemoryStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	cursor := listingCursor(opts)

	bucketObjects, ok := s.objects[bucket]
	if !ok {
		return &ListObjectsResult{}, nil
	}

	matching := make([]ObjectRecord, 0, len(bucketObjects))
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

func paginateFlat(objects []ObjectRecord, maxKeys int) *ListObjectsResult {
	truncated := len(objects) > maxKeys
	if truncated {
		objects = objects[:maxKeys]
	}
	result := &ListObjectsResult{Objects: objects, IsTruncated: truncated}
	if truncated && len(objects) > 0 {
		last := objects[len(objects)-1].Key
		result.NextMarker = last
		result.NextContinuationToken = last
	}
	return result
}

// paginateWithDelimiter collapses keys sharing a prefix up to the first
// delimiter after the listing prefix into a single CommonPrefix entry,
// the same collapsing rule ListObjectsV1/V2 share.
func paginateWithDelimiter(objects []ObjectRecord, prefix, delimiter string, maxKeys int) *ListObjectsResult {
	var kept []ObjectRecord
	prefixSeen := make(map[string]bool)
	for _, obj := range objects {
		rest := obj.Key[len(prefix):]
		if idx := strings.Index(rest, delimiter); idx >= 0 {
			prefixSeen[prefix+rest[:idx+len(delimiter)]] = true
		} else {
			kept = append(kept, obj)
		}
	}
	commonPrefixes := sortedKeys(prefixSeen)

	total := len(kept) + len(commonPrefixes)
	truncated := total > maxKeys
	if truncated {
		kept, commonPrefixes = truncateMerged(kept, commonPrefixes, maxKeys)
	}

	result := &ListObjectsResult{Objects: kept, CommonPrefixes: commonPrefixes, IsTruncated: truncated}
	if truncated {
		cursor := ""
		if len(kept) > 0 {
			cursor = kept[len(kept)-1].Key
		}
		if len(commonPrefixes) > 0 && commonPrefixes[len(commonPrefixes)-1] > cursor {
			cursor = commonPrefixes[len(commonPrefixes)-1]
		}
		result.NextMarker = cursor
		result.NextContinuationToken = cursor
	}
	return result
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// truncateMerged interleaves objects and common prefixes by key order and
// cuts at maxKeys, since S3's key-count budget spans both kinds of entry.
func truncateMerged(objects []ObjectRecord, prefixes []string, maxKeys int) ([]ObjectRecord, []string) {
	type entry struct {
		key      string
		isPrefix bool
	}
	entries := make([]entry, 0, len(objects)+len(prefixes))
	for _, o := range objects {
		entries = append(entries, entry{o.Key, false})
	}
	for _, p := range prefixes {
		entries = append(entries, entry{p, true})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })
	if len(entries) > maxKeys {
		entries = entries[:maxKeys]
	}

	byKey := make(map[string]ObjectRecord, len(objects))
	for _, o := range objects {
		byKey[o.Key] = o
	}
	var keptObjects []ObjectRecord
	var keptPrefixes []string
	for _, e := range entries {
		if e.isPrefix {
			keptPrefixes = append(keptPrefixes, e.key)
		} else {
			keptObjects = append(keptObjects, byKey[e.key])
		}
	}
	return keptObjects, keptPrefixes
}

// --- multipart uploads -----------------------------------------------------

func normalizeUpload(u *MultipartUploadRecord) MultipartUploadRecord {
	cp := *u
	if cp.ContentType == "" {
		cp.ContentType = "application/octet-stream"
	}
	if cp.StorageClass == "" {
		cp.StorageClass = "STANDARD"
	}
	if cp.ACL == nil {
		cp.ACL = json.RawMessage("{}")
	}
	if cp.UserMetadata == nil {
		cp.UserMetadata = make(map[string]string)
	}
	return cp
}

func (s *MemoryStore) CreateMultipartUpload(ctx context.Context, upload *MultipartUploadRecord) (string, error) {
	uploadID := upload.UploadID
	if uploadID == "" {
		uploadID = uid.New()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[upload.Bucket]; !ok {
		return "", fmt.Errorf("bucket not found: %s", upload.Bucket)
	}
	cp := normalizeUpload(upload)
	cp.UploadID = uploadID
	s.uploads[uploadID] = &cp
	return uploadID, nil
}

func (s *MemoryStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.uploads[uploadID]
	if !ok || u.Bucket != bucket || u.Key != key {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) PutPart(ctx context.Context, part *PartRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uploads[part.UploadID]; !ok {
		return fmt.Errorf("upload not found: %s", part.UploadID)
	}
	if s.parts[part.UploadID] == nil {
		s.parts[part.UploadID] = make(map[int]*PartRecord)
	}
	cp := *part
	s.parts[part.UploadID][part.PartNumber] = &cp
	return nil
}

func (s *MemoryStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxParts := opts.MaxParts
	if maxParts <= 0 {
		maxParts = 1000
	}
	uploadParts, ok := s.parts[uploadID]
	if !ok {
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

func (s *MemoryStore) GetPartsForCompletion(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uploadParts, ok := s.parts[uploadID]
	if !ok {
		return nil, nil
	}
	parts := make([]PartRecord, 0, len(partNumbers))
	for _, n := range partNumbers {
		if part, ok := uploadParts[n]; ok {
			parts = append(parts, *part)
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// CompleteMultipartUpload is already atomic here since the whole store is
// guarded by one mutex; the disk-backed stores need an explicit
// transaction to get the same guarantee.
func (s *MemoryStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.uploads[uploadID]; !ok {
		return fmt.Errorf("upload not found: %s", uploadID)
	}
	if s.objects[obj.Bucket] == nil {
		s.objects[obj.Bucket] = make(map[string]*ObjectRecord)
	}
	cp := normalizeObject(obj)
	s.objects[obj.Bucket][obj.Key] = &cp

	delete(s.parts, uploadID)
	delete(s.uploads, uploadID)
	return nil
}

func (s *MemoryStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok || u.Bucket != bucket || u.Key != key {
		return fmt.Errorf("upload not found: %s", uploadID)
	}
	delete(s.parts, uploadID)
	delete(s.uploads, uploadID)
	return nil
}

func (s *MemoryStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
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

func (s *MemoryStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.credentials[accessKeyID]
	if !ok {
		return nil, nil
	}
	cp := *cred
	return &cp, nil
}

func (s *MemoryStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cred
	s.credentials[cred.AccessKeyID] = &cp
	return nil
}

// --- reaping ---------------------------------------------------------------

func (s *MemoryStore) ReapExpiredUploads(ttlSeconds int) ([]ExpiredUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-time.Duration(ttlSeconds) * time.Second)
	var expired []ExpiredUpload
	for uploadID, u := range s.uploads {
		if !u.InitiatedAt.Before(cutoff) {
			continue
		}
		expired = append(expired, ExpiredUpload{UploadID: uploadID, BucketName: u.Bucket, ObjectKey: u.Key})
		delete(s.parts, uploadID)
		delete(s.uploads, uploadID)
	}
	return expired, nil
}
