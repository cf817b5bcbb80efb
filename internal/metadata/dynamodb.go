package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/objectvault/bleepstore/internal/config"
	"github.com/objectvault/bleepstore/internal/uid"
)

const dynamoTimeFormat = "2006-01-02T15:04:05.000Z"

// DynamoDBStore maps the single-table design onto MetadataStore: every
// item lives under a partition key namespaced by record kind
// (BUCKET#/OBJECT#/UPLOAD#/CRED#) with a fixed "#METADATA" sort key, and
// parts hang off their upload's partition under PART#%05d so a Query can
// fetch a whole upload's parts in key order without a secondary index.
type DynamoDBStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoDBStore(cfg *config.DynamoDBConfig) (*DynamoDBStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("dynamodb config is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	return &DynamoDBStore{client: dynamodb.NewFromConfig(awsCfg), tableName: cfg.Table}, nil
}

func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)})
	return err
}

func (s *DynamoDBStore) Close() error { return nil }

// --- key helpers ---------------------------------------------------------

func pkBucket(bucket string) string          { return "BUCKET#" + bucket }
func pkObject(bucket, key string) string     { return "OBJECT#" + bucket + "#" + key }
func pkUpload(uploadID string) string        { return "UPLOAD#" + uploadID }
func pkCredential(accessKey string) string   { return "CRED#" + accessKey }
func skMetadata() string                     { return "#METADATA" }
func skPart(partNumber int) string           { return fmt.Sprintf("PART#%05d", partNumber) }

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func (s *DynamoDBStore) getItem(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{TableName: aws.String(s.tableName), Key: itemKey(pk, sk)})
	if err != nil {
		return nil, err
	}
	return resp.Item, nil
}

// --- buckets -----------------------------------------------------------

func (s *DynamoDBStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: mergeAttrs(itemKey(pkBucket(bucket.Name), skMetadata()), map[string]types.AttributeValue{
			"type":          attrS("bucket"),
			"name":          attrS(bucket.Name),
			"region":        attrS(bucket.Region),
			"owner_id":      attrS(bucket.OwnerID),
			"owner_display": attrS(bucket.OwnerDisplay),
			"acl":           attrS(orEmptyJSON(bucket.ACL)),
			"created_at":    attrS(bucket.CreatedAt.UTC().Format(dynamoTimeFormat)),
		}),
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if strings.Contains(err.Error(), "ConditionalCheckFailedException") {
			return fmt.Errorf("bucket already exists: %s", bucket.Name)
		}
		return fmt.Errorf("creating bucket: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	item, err := s.getItem(ctx, pkBucket(name), skMetadata())
	if err != nil {
		return nil, fmt.Errorf("getting bucket: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	return bucketFromItem(item), nil
}

func (s *DynamoDBStore) DeleteBucket(ctx context.Context, name string) error {
	objs, err := s.ListObjects(ctx, name, ListObjectsOptions{MaxKeys: 1})
	if err != nil {
		return fmt.Errorf("checking bucket contents: %w", err)
	}
	uploads, err := s.ListMultipartUploads(ctx, name, ListUploadsOptions{MaxUploads: 1})
	if err != nil {
		return fmt.Errorf("checking bucket uploads: %w", err)
	}
	if len(objs.Objects) > 0 || len(uploads.Uploads) > 0 {
		return fmt.Errorf("bucket not empty: %s", name)
	}
	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName), Key: itemKey(pkBucket(name), skMetadata()),
	})
	return err
}

func (s *DynamoDBStore) ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error) {
	var out []BucketRecord
	err := s.scanAll(ctx, "begins_with(pk, :prefix) AND sk = :meta", map[string]types.AttributeValue{
		":prefix": attrS("BUCKET#"), ":meta": attrS(skMetadata()),
	}, nil, func(item map[string]types.AttributeValue) {
		b := bucketFromItem(item)
		if owner == "" || b.OwnerID == owner {
			out = append(out, *b)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *DynamoDBStore) BucketExists(ctx context.Context, name string) (bool, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName), Key: itemKey(pkBucket(name), skMetadata()),
		ProjectionExpression: aws.String("pk"),
	})
	if err != nil {
		return false, fmt.Errorf("checking bucket exists: %w", err)
	}
	return resp.Item != nil, nil
}

func (s *DynamoDBStore) UpdateBucketAcl(ctx context.Context, name string, acl json.RawMessage) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName), Key: itemKey(pkBucket(name), skMetadata()),
		UpdateExpression:          aws.String("SET acl = :acl"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":acl": attrS(string(acl))},
	})
	return err
}

// --- objects -------------------------------------------------------------

func (s *DynamoDBStore) PutObject(ctx context.Context, obj *ObjectRecord) error {
	userMeta, err := encodeUserMetadata(obj.UserMetadata)
	if err != nil {
		return fmt.Errorf("marshaling user metadata: %w", err)
	}
	item := mergeAttrs(itemKey(pkObject(obj.Bucket, obj.Key), skMetadata()), map[string]types.AttributeValue{
		"type":          attrS("object"),
		"bucket":        attrS(obj.Bucket),
		"key":           attrS(obj.Key),
		"size":          attrN(obj.Size),
		"etag":          attrS(obj.ETag),
		"content_type":  attrS(orDefault(obj.ContentType, "application/octet-stream")),
		"storage_class": attrS(orDefault(obj.StorageClass, "STANDARD")),
		"acl":           attrS(orEmptyJSON(obj.ACL)),
		"user_metadata": attrS(userMeta),
		"last_modified": attrS(obj.LastModified.UTC().Format(dynamoTimeFormat)),
	})
	putOptionalStrings(item, map[string]string{
		"content_encoding": obj.ContentEncoding, "content_language": obj.ContentLanguage,
		"content_disposition": obj.ContentDisposition, "cache_control": obj.CacheControl, "expires": obj.Expires,
	})

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.tableName), Item: item})
	return err
}

func (s *DynamoDBStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	item, err := s.getItem(ctx, pkObject(bucket, key), skMetadata())
	if err != nil {
		return nil, fmt.Errorf("getting object: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	return objectFromItem(item), nil
}

func (s *DynamoDBStore) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName), Key: itemKey(pkObject(bucket, key), skMetadata()),
	})
	return err
}

func (s *DynamoDBStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName), Key: itemKey(pkObject(bucket, key), skMetadata()),
		ProjectionExpression: aws.String("pk"),
	})
	if err != nil {
		return false, fmt.Errorf("checking object exists: %w", err)
	}
	return resp.Item != nil, nil
}

func (s *DynamoDBStore) DeleteObjectsMeta(ctx context.Context, bucket string, keys []string) ([]string, []error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var deleted []string
	var errs []error
	for _, batch := range chunk(keys, 25) {
		requests := make([]types.WriteRequest, len(batch))
		for i, key := range batch {
			requests[i] = types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: itemKey(pkObject(bucket, key), skMetadata())}}
		}
		if _, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.tableName: requests},
		}); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, batch...)
	}
	return deleted, errs
}

func (s *DynamoDBStore) UpdateObjectAcl(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName), Key: itemKey(pkObject(bucket, key), skMetadata()),
		UpdateExpression:          aws.String("SET acl = :acl"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":acl": attrS(string(acl))},
	})
	return err
}

func (s *DynamoDBStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	cursor := listingCursor(opts)

	prefixFilter := "OBJECT#" + bucket + "#"
	if opts.Prefix != "" {
		prefixFilter = pkObject(bucket, opts.Prefix)
	}

	var matching []ObjectRecord
	err := s.scanAll(ctx, "begins_with(pk, :prefix) AND sk = :meta", map[string]types.AttributeValue{
		":prefix": attrS(prefixFilter), ":meta": attrS(skMetadata()),
	}, nil, func(item map[string]types.AttributeValue) {
		obj := objectFromItem(item)
		if opts.Prefix != "" && !strings.HasPrefix(obj.Key, opts.Prefix) {
			return
		}
		if cursor != "" && obj.Key <= cursor {
			return
		}
		matching = append(matching, *obj)
	})
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", err)
	}
	sort.Slice(matching, func(i, j int) bool { return matching[i].Key < matching[j].Key })

	if opts.Delimiter == "" {
		return paginateFlat(matching, maxKeys), nil
	}
	return paginateWithDelimiter(matching, opts.Prefix, opts.Delimiter, maxKeys), nil
}

// --- multipart uploads -----------------------------------------------------

func (s *DynamoDBStore) CreateMultipartUpload(ctx context.Context, upload *MultipartUploadRecord) (string, error) {
	uploadID := upload.UploadID
	if uploadID == "" {
		uploadID = uid.New()
	}

	userMeta, err := encodeUserMetadata(upload.UserMetadata)
	if err != nil {
		return "", fmt.Errorf("marshaling user metadata: %w", err)
	}
	item := mergeAttrs(itemKey(pkUpload(uploadID), skMetadata()), map[string]types.AttributeValue{
		"type":          attrS("upload"),
		"upload_id":     attrS(uploadID),
		"bucket":        attrS(upload.Bucket),
		"key":           attrS(upload.Key),
		"content_type":  attrS(orDefault(upload.ContentType, "application/octet-stream")),
		"storage_class": attrS(orDefault(upload.StorageClass, "STANDARD")),
		"acl":           attrS(orEmptyJSON(upload.ACL)),
		"user_metadata": attrS(userMeta),
		"owner_id":      attrS(upload.OwnerID),
		"owner_display": attrS(upload.OwnerDisplay),
		"initiated_at":  attrS(upload.InitiatedAt.UTC().Format(dynamoTimeFormat)),
	})
	putOptionalStrings(item, map[string]string{
		"content_encoding": upload.ContentEncoding, "content_language": upload.ContentLanguage,
		"content_disposition": upload.ContentDisposition, "cache_control": upload.CacheControl, "expires": upload.Expires,
	})

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.tableName), Item: item}); err != nil {
		return "", fmt.Errorf("creating multipart upload: %w", err)
	}
	return uploadID, nil
}

func (s *DynamoDBStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error) {
	item, err := s.getItem(ctx, pkUpload(uploadID), skMetadata())
	if err != nil {
		return nil, fmt.Errorf("getting multipart upload: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	upload := uploadFromItem(item)
	if upload.Bucket != bucket || upload.Key != key {
		return nil, nil
	}
	return upload, nil
}

func (s *DynamoDBStore) PutPart(ctx context.Context, part *PartRecord) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: mergeAttrs(itemKey(pkUpload(part.UploadID), skPart(part.PartNumber)), map[string]types.AttributeValue{
			"type":          attrS("part"),
			"upload_id":     attrS(part.UploadID),
			"part_number":   attrN(int64(part.PartNumber)),
			"size":          attrN(part.Size),
			"etag":          attrS(part.ETag),
			"last_modified": attrS(part.LastModified.UTC().Format(dynamoTimeFormat)),
		}),
	})
	return err
}

func (s *DynamoDBStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	maxParts := opts.MaxParts
	if maxParts <= 0 {
		maxParts = 1000
	}
	startSK := "PART#"
	if opts.PartNumberMarker > 0 {
		startSK = skPart(opts.PartNumberMarker + 1)
	}

	var parts []PartRecord
	err := s.queryAll(ctx, "pk = :pk AND sk >= :startSK", map[string]types.AttributeValue{
		":pk": attrS(pkUpload(uploadID)), ":startSK": attrS(startSK),
	}, func(item map[string]types.AttributeValue) {
		if strings.HasPrefix(getString(item, "sk"), "PART#") {
			parts = append(parts, *partFromItem(item))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("listing parts: %w", err)
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

func (s *DynamoDBStore) GetPartsForCompletion(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	if len(partNumbers) == 0 {
		return nil, nil
	}
	var all []PartRecord
	err := s.queryAll(ctx, "pk = :pk AND begins_with(sk, :prefix)", map[string]types.AttributeValue{
		":pk": attrS(pkUpload(uploadID)), ":prefix": attrS("PART#"),
	}, func(item map[string]types.AttributeValue) {
		all = append(all, *partFromItem(item))
	})
	if err != nil {
		return nil, fmt.Errorf("getting parts: %w", err)
	}

	wanted := make(map[int]bool, len(partNumbers))
	for _, n := range partNumbers {
		wanted[n] = true
	}
	var filtered []PartRecord
	for _, p := range all {
		if wanted[p.PartNumber] {
			filtered = append(filtered, p)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].PartNumber < filtered[j].PartNumber })
	return filtered, nil
}

// deleteParts removes every part item for uploadID in batches of 25, the
// BatchWriteItem limit.
func (s *DynamoDBStore) deleteParts(ctx context.Context, uploadID string, parts []PartRecord) {
	for _, batch := range chunk(parts, 25) {
		requests := make([]types.WriteRequest, len(batch))
		for i, p := range batch {
			requests[i] = types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: itemKey(pkUpload(uploadID), skPart(p.PartNumber))}}
		}
		s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.tableName: requests},
		})
	}
}

func (s *DynamoDBStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error {
	if err := s.PutObject(ctx, obj); err != nil {
		return fmt.Errorf("putting completed object: %w", err)
	}
	parts, _ := s.GetPartsForCompletion(ctx, uploadID, nil)
	s.deleteParts(ctx, uploadID, parts)

	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName), Key: itemKey(pkUpload(uploadID), skMetadata()),
	})
	return err
}

func (s *DynamoDBStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	parts, _ := s.GetPartsForCompletion(ctx, uploadID, nil)
	s.deleteParts(ctx, uploadID, parts)

	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName), Key: itemKey(pkUpload(uploadID), skMetadata()),
	})
	return err
}

func (s *DynamoDBStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	maxUploads := opts.MaxUploads
	if maxUploads <= 0 {
		maxUploads = 1000
	}

	filterExpr := "begins_with(pk, :upload_prefix) AND sk = :meta AND #bucket = :bucket"
	exprValues := map[string]types.AttributeValue{
		":upload_prefix": attrS("UPLOAD#"), ":meta": attrS(skMetadata()), ":bucket": attrS(bucket),
	}
	exprNames := map[string]string{"#bucket": "bucket"}
	if opts.Prefix != "" {
		filterExpr += " AND begins_with(#key, :prefix)"
		exprValues[":prefix"] = attrS(opts.Prefix)
		exprNames["#key"] = "key"
	}

	var matching []MultipartUploadRecord
	err := s.scanAll(ctx, filterExpr, exprValues, exprNames, func(item map[string]types.AttributeValue) {
		matching = append(matching, *uploadFromItem(item))
	})
	if err != nil {
		return nil, fmt.Errorf("listing multipart uploads: %w", err)
	}
	sort.Slice(matching, func(i, j int) bool {
		if matching[i].Key != matching[j].Key {
			return matching[i].Key < matching[j].Key
		}
		return matching[i].InitiatedAt.Before(matching[j].InitiatedAt)
	})

	if opts.KeyMarker != "" || opts.UploadIDMarker != "" {
		var filtered []MultipartUploadRecord
		passedMarker := opts.KeyMarker == ""
		for _, u := range matching {
			if !passedMarker && (u.Key > opts.KeyMarker || (u.Key == opts.KeyMarker && u.UploadID > opts.UploadIDMarker)) {
				passedMarker = true
			}
			if passedMarker {
				filtered = append(filtered, u)
			}
		}
		matching = filtered
	}

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

func (s *DynamoDBStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	item, err := s.getItem(ctx, pkCredential(accessKeyID), skMetadata())
	if err != nil {
		return nil, fmt.Errorf("getting credential: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	return credentialFromItem(item), nil
}

func (s *DynamoDBStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: mergeAttrs(itemKey(pkCredential(cred.AccessKeyID), skMetadata()), map[string]types.AttributeValue{
			"type":          attrS("credential"),
			"access_key_id": attrS(cred.AccessKeyID),
			"secret_key":    attrS(cred.SecretKey),
			"owner_id":      attrS(cred.OwnerID),
			"display_name":  attrS(cred.DisplayName),
			"active":        &types.AttributeValueMemberBOOL{Value: cred.Active},
			"created_at":    attrS(cred.CreatedAt.UTC().Format(dynamoTimeFormat)),
		}),
	})
	return err
}

func (s *DynamoDBStore) ReapExpiredUploads(ttlSeconds int) ([]ExpiredUpload, error) {
	ctx := context.Background()
	cutoff := time.Now().Add(-time.Duration(ttlSeconds) * time.Second).UTC().Format(dynamoTimeFormat)

	var candidates []*MultipartUploadRecord
	err := s.scanAll(ctx, "begins_with(pk, :upload_prefix) AND sk = :meta AND initiated_at < :cutoff", map[string]types.AttributeValue{
		":upload_prefix": attrS("UPLOAD#"), ":meta": attrS(skMetadata()), ":cutoff": attrS(cutoff),
	}, nil, func(item map[string]types.AttributeValue) {
		candidates = append(candidates, uploadFromItem(item))
	})
	if err != nil {
		return nil, fmt.Errorf("scanning expired uploads: %w", err)
	}

	reaped := make([]ExpiredUpload, 0, len(candidates))
	for _, u := range candidates {
		parts, _ := s.GetPartsForCompletion(ctx, u.UploadID, nil)
		s.deleteParts(ctx, u.UploadID, parts)
		s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.tableName), Key: itemKey(pkUpload(u.UploadID), skMetadata()),
		})
		reaped = append(reaped, ExpiredUpload{UploadID: u.UploadID, BucketName: u.Bucket, ObjectKey: u.Key})
	}
	return reaped, nil
}

// --- scan/query plumbing -----------------------------------------------------

func (s *DynamoDBStore) scanAll(ctx context.Context, filterExpr string, values map[string]types.AttributeValue, names map[string]string, visit func(map[string]types.AttributeValue)) error {
	var exclusiveStartKey map[string]types.AttributeValue
	for {
		input := &dynamodb.ScanInput{
			TableName:                 aws.String(s.tableName),
			FilterExpression:          aws.String(filterExpr),
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         exclusiveStartKey,
		}
		if names != nil {
			input.ExpressionAttributeNames = names
		}
		resp, err := s.client.Scan(ctx, input)
		if err != nil {
			return err
		}
		for _, item := range resp.Items {
			visit(item)
		}
		if resp.LastEvaluatedKey == nil {
			return nil
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}
}

func (s *DynamoDBStore) queryAll(ctx context.Context, keyCondition string, values map[string]types.AttributeValue, visit func(map[string]types.AttributeValue)) error {
	var exclusiveStartKey map[string]types.AttributeValue
	for {
		resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			KeyConditionExpression:    aws.String(keyCondition),
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         exclusiveStartKey,
		})
		if err != nil {
			return err
		}
		for _, item := range resp.Items {
			visit(item)
		}
		if resp.LastEvaluatedKey == nil {
			return nil
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

// --- attribute value helpers -------------------------------------------------

func attrS(v string) *types.AttributeValueMemberS { return &types.AttributeValueMemberS{Value: v} }
func attrN(v int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", v)}
}

func mergeAttrs(base, extra map[string]types.AttributeValue) map[string]types.AttributeValue {
	for k, v := range extra {
		base[k] = v
	}
	return base
}

func putOptionalStrings(item map[string]types.AttributeValue, fields map[string]string) {
	for name, value := range fields {
		if value != "" {
			item[name] = attrS(value)
		}
	}
}

func getString(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func getNInt(item map[string]types.AttributeValue, key string) int64 {
	var n int64
	if v, ok := item[key].(*types.AttributeValueMemberN); ok {
		fmt.Sscanf(v.Value, "%d", &n)
	}
	return n
}

func getNInt32(item map[string]types.AttributeValue, key string) int {
	var n int
	if v, ok := item[key].(*types.AttributeValueMemberN); ok {
		fmt.Sscanf(v.Value, "%d", &n)
	}
	return n
}

func getBool(item map[string]types.AttributeValue, key string) bool {
	v, _ := item[key].(*types.AttributeValueMemberBOOL)
	return v != nil && v.Value
}

func bucketFromItem(item map[string]types.AttributeValue) *BucketRecord {
	createdAt, _ := time.Parse(dynamoTimeFormat, getString(item, "created_at"))
	return &BucketRecord{
		Name: getString(item, "name"), Region: getString(item, "region"),
		OwnerID: getString(item, "owner_id"), OwnerDisplay: getString(item, "owner_display"),
		ACL: json.RawMessage(getString(item, "acl")), CreatedAt: createdAt,
	}
}

func objectFromItem(item map[string]types.AttributeValue) *ObjectRecord {
	lastModified, _ := time.Parse(dynamoTimeFormat, getString(item, "last_modified"))
	return &ObjectRecord{
		Bucket: getString(item, "bucket"), Key: getString(item, "key"),
		Size: getNInt(item, "size"), ETag: getString(item, "etag"),
		ContentType: getString(item, "content_type"), ContentEncoding: getString(item, "content_encoding"),
		ContentLanguage: getString(item, "content_language"), ContentDisposition: getString(item, "content_disposition"),
		CacheControl: getString(item, "cache_control"), Expires: getString(item, "expires"),
		StorageClass: getString(item, "storage_class"), ACL: json.RawMessage(getString(item, "acl")),
		UserMetadata: decodeUserMetadata(getString(item, "user_metadata")), LastModified: lastModified,
	}
}

func uploadFromItem(item map[string]types.AttributeValue) *MultipartUploadRecord {
	initiatedAt, _ := time.Parse(dynamoTimeFormat, getString(item, "initiated_at"))
	return &MultipartUploadRecord{
		UploadID: getString(item, "upload_id"), Bucket: getString(item, "bucket"), Key: getString(item, "key"),
		ContentType: getString(item, "content_type"), ContentEncoding: getString(item, "content_encoding"),
		ContentLanguage: getString(item, "content_language"), ContentDisposition: getString(item, "content_disposition"),
		CacheControl: getString(item, "cache_control"), Expires: getString(item, "expires"),
		StorageClass: getString(item, "storage_class"), ACL: json.RawMessage(getString(item, "acl")),
		UserMetadata: decodeUserMetadata(getString(item, "user_metadata")),
		OwnerID:      getString(item, "owner_id"), OwnerDisplay: getString(item, "owner_display"),
		InitiatedAt: initiatedAt,
	}
}

func partFromItem(item map[string]types.AttributeValue) *PartRecord {
	lastModified, _ := time.Parse(dynamoTimeFormat, getString(item, "last_modified"))
	return &PartRecord{
		UploadID: getString(item, "upload_id"), PartNumber: getNInt32(item, "part_number"),
		Size: getNInt(item, "size"), ETag: getString(item, "etag"), LastModified: lastModified,
	}
}

func credentialFromItem(item map[string]types.AttributeValue) *CredentialRecord {
	createdAt, _ := time.Parse(dynamoTimeFormat, getString(item, "created_at"))
	return &CredentialRecord{
		AccessKeyID: getString(item, "access_key_id"), SecretKey: getString(item, "secret_key"),
		OwnerID: getString(item, "owner_id"), DisplayName: getString(item, "display_name"),
		Active: getBool(item, "active"), CreatedAt: createdAt,
	}
}
