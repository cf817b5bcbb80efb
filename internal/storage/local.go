package storage

import (
	"context"
	"crypto/md5"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/objectvault/bleepstore/internal/uid"
)

// LocalBackend implements StorageBackend on the local filesystem. Objects
// live under RootDir named after their bucket/key; every write goes
// through a temp-file-then-rename so a crash mid-write never leaves a
// partial object visible at its final path.
type LocalBackend struct {
	RootDir string
}

func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	if err := os.MkdirAll(filepath.Join(rootDir, ".tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	return &LocalBackend{RootDir: rootDir}, nil
}

// CleanTempFiles discards anything left in .tmp from a prior crash.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

func (b *LocalBackend) objectPath(bucket, key string) string { return filepath.Join(b.RootDir, bucket, key) }
func (b *LocalBackend) tempPath() string                     { return filepath.Join(b.RootDir, ".tmp", "tmp-"+uid.New()) }
func (b *LocalBackend) partsDir(uploadID string) string       { return filepath.Join(b.RootDir, ".multipart", uploadID) }
func (b *LocalBackend) partPath(uploadID string, partNumber int) string {
	return filepath.Join(b.partsDir(uploadID), fmt.Sprintf("%05d", partNumber))
}

// writeAtomic copies src into a fresh temp file, fsyncs, and renames it
// into place at finalPath, hashing the bytes with h as they pass through.
func (b *LocalBackend) writeAtomic(finalPath string, src io.Reader, h hash.Hash) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return 0, fmt.Errorf("creating parent directories for %q: %w", finalPath, err)
	}

	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	n, err := io.Copy(tmpFile, io.TeeReader(src, h))
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("writing data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("renaming temp file to %q: %w", finalPath, err)
	}
	return n, nil
}

func (b *LocalBackend) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) (int64, string, error) {
	h := md5.New()
	n, err := b.writeAtomic(b.objectPath(bucket, key), reader, h)
	if err != nil {
		return 0, "", fmt.Errorf("putting object %s/%s: %w", bucket, key, err)
	}
	return n, fmt.Sprintf(`"%x"`, h.Sum(nil)), nil
}

// GetObject opens the object file. The ETag is the empty string; callers
// get the canonical ETag from the metadata store instead.
func (b *LocalBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, string, error) {
	objPath := b.objectPath(bucket, key)
	file, err := os.Open(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, "", fmt.Errorf("object not found: %s/%s", bucket, key)
		}
		return nil, 0, "", fmt.Errorf("opening object file %s/%s: %w", bucket, key, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, "", fmt.Errorf("stat object file %s/%s: %w", bucket, key, err)
	}
	return file, info.Size(), "", nil
}

// DeleteObject is idempotent and also prunes any directories left empty
// by the removal, up to the bucket root.
func (b *LocalBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	objPath := b.objectPath(bucket, key)
	if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing object file %s/%s: %w", bucket, key, err)
	}
	pruneEmptyDirs(filepath.Dir(objPath), filepath.Join(b.RootDir, bucket))
	return nil
}

func (b *LocalBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	srcFile, err := os.Open(b.objectPath(srcBucket, srcKey))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("source object not found: %s/%s", srcBucket, srcKey)
		}
		return "", fmt.Errorf("opening source object: %w", err)
	}
	defer srcFile.Close()

	info, err := srcFile.Stat()
	if err != nil {
		return "", fmt.Errorf("stat source object: %w", err)
	}
	_, etag, err := b.PutObject(ctx, dstBucket, dstKey, srcFile, info.Size())
	if err != nil {
		return "", fmt.Errorf("copying object data: %w", err)
	}
	return etag, nil
}

func (b *LocalBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	if err := os.MkdirAll(b.partsDir(uploadID), 0o755); err != nil {
		return "", fmt.Errorf("creating part directory: %w", err)
	}
	h := md5.New()
	if _, err := b.writeAtomic(b.partPath(uploadID, partNumber), reader, h); err != nil {
		return "", fmt.Errorf("putting part %d: %w", partNumber, err)
	}
	return fmt.Sprintf(`"%x"`, h.Sum(nil)), nil
}

// AssembleParts concatenates the given parts, in order, into the final
// object file and derives an S3-style composite ETag (the MD5 of the
// concatenated part MD5s, suffixed with the part count) without
// re-reading the assembled file.
func (b *LocalBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (string, error) {
	objPath := b.objectPath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return "", fmt.Errorf("creating parent directories: %w", err)
	}

	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp file for assembly: %w", err)
	}

	compositeMD5 := md5.New()
	for _, pn := range partNumbers {
		partFile, err := os.Open(b.partPath(uploadID, pn))
		if err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return "", fmt.Errorf("opening part %d: %w", pn, err)
		}
		partHash := md5.New()
		_, err = io.Copy(tmpFile, io.TeeReader(partFile, partHash))
		partFile.Close()
		if err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return "", fmt.Errorf("copying part %d: %w", pn, err)
		}
		compositeMD5.Write(partHash.Sum(nil))
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("syncing assembled file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing assembled temp file: %w", err)
	}
	if err := os.Rename(tmpPath, objPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("renaming assembled file: %w", err)
	}

	os.RemoveAll(b.partsDir(uploadID))
	return fmt.Sprintf(`"%x-%d"`, compositeMD5.Sum(nil), len(partNumbers)), nil
}

func (b *LocalBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	return b.DeleteUploadParts(uploadID)
}

// DeleteUploadParts removes the on-disk parts for uploadID. Unlike
// DeleteParts it needs no bucket or key; DeleteParts delegates to it.
func (b *LocalBackend) DeleteUploadParts(uploadID string) error {
	if err := os.RemoveAll(b.partsDir(uploadID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing part directory for upload %q: %w", uploadID, err)
	}
	os.Remove(filepath.Join(b.RootDir, ".multipart"))
	return nil
}

func (b *LocalBackend) CreateBucket(ctx context.Context, bucket string) error {
	bucketDir := filepath.Join(b.RootDir, bucket)
	if err := os.MkdirAll(bucketDir, 0o755); err != nil {
		return fmt.Errorf("creating bucket directory %q: %w", bucketDir, err)
	}
	return nil
}

// DeleteBucket removes the (must-be-empty) bucket directory.
func (b *LocalBackend) DeleteBucket(ctx context.Context, bucket string) error {
	err := os.Remove(filepath.Join(b.RootDir, bucket))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing bucket directory %q: %w", bucket, err)
	}
	return nil
}

func (b *LocalBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	info, err := os.Stat(b.objectPath(bucket, key))
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking object existence %s/%s: %w", bucket, key, err)
}

func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(b.RootDir)
	return err
}

// pruneEmptyDirs removes dir and its parents, stopping at stopAt or the
// first non-empty directory — used after deleting an object whose key
// contained "/" separators to avoid leaving empty subtrees behind.
func pruneEmptyDirs(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)
	for dir != stopAt && dir != filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}
