// Package handlers implements the S3 operation handlers shared support code:
// bucket-name validation, ACL conversion, conditional-header evaluation, and
// multipart/copy request parsing.
package handlers

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	s3err "github.com/objectvault/bleepstore/internal/errors"
	"github.com/objectvault/bleepstore/internal/metadata"
	"github.com/objectvault/bleepstore/internal/xmlutil"
)

// bucketNameRegex requires 3-63 lowercase alphanumeric/hyphen/period
// characters, starting and ending with a letter or digit.
var bucketNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{1,61}[a-z0-9]$`)
var ipAddressRegex = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

func validateBucketName(name string) string {
	if len(name) < 3 || len(name) > 63 {
		return "Bucket name must be between 3 and 63 characters long"
	}
	if !bucketNameRegex.MatchString(name) {
		return "Bucket name can only contain lowercase letters, numbers, hyphens, and periods"
	}
	if ipAddressRegex.MatchString(name) {
		return "Bucket name must not be formatted as an IP address"
	}
	if strings.HasPrefix(name, "xn--") {
		return "Bucket name must not start with xn--"
	}
	if strings.HasSuffix(name, "-s3alias") || strings.HasSuffix(name, "--ol-s3") {
		return "Bucket name must not end with -s3alias or --ol-s3"
	}
	if strings.Contains(name, "..") {
		return "Bucket name must not contain consecutive periods"
	}
	return ""
}

func ownerGrantee(ownerID, ownerDisplay string) xmlutil.Grantee {
	return xmlutil.Grantee{Type: "CanonicalUser", ID: ownerID, DisplayName: ownerDisplay}
}

func groupGrant(uri, permission string) xmlutil.Grant {
	return xmlutil.Grant{Grantee: xmlutil.Grantee{Type: "Group", URI: uri}, Permission: permission}
}

const (
	allUsersGroupURI         = "http://acs.amazonaws.com/groups/global/AllUsers"
	authenticatedUsersGroupURI = "http://acs.amazonaws.com/groups/global/AuthenticatedUsers"
)

// defaultPrivateACL is the FULL_CONTROL-to-owner-only ACL assigned to
// every newly created bucket and object.
func defaultPrivateACL(ownerID, ownerDisplay string) json.RawMessage {
	acl := xmlutil.AccessControlPolicy{
		Owner:             xmlutil.Owner{ID: ownerID, DisplayName: ownerDisplay},
		AccessControlList: xmlutil.ACL{Grants: []xmlutil.Grant{{Grantee: ownerGrantee(ownerID, ownerDisplay), Permission: "FULL_CONTROL"}}},
	}
	data, _ := json.Marshal(acl)
	return data
}

// parseCannedACL expands a canned ACL name (private, public-read,
// public-read-write, authenticated-read) into its grant list. Unknown
// names fall back to private.
func parseCannedACL(cannedACL, ownerID, ownerDisplay string) *xmlutil.AccessControlPolicy {
	acp := &xmlutil.AccessControlPolicy{Owner: xmlutil.Owner{ID: ownerID, DisplayName: ownerDisplay}}
	ownerGrant := xmlutil.Grant{Grantee: ownerGrantee(ownerID, ownerDisplay), Permission: "FULL_CONTROL"}

	switch cannedACL {
	case "public-read":
		acp.AccessControlList = xmlutil.ACL{Grants: []xmlutil.Grant{ownerGrant, groupGrant(allUsersGroupURI, "READ")}}
	case "public-read-write":
		acp.AccessControlList = xmlutil.ACL{Grants: []xmlutil.Grant{
			ownerGrant, groupGrant(allUsersGroupURI, "READ"), groupGrant(allUsersGroupURI, "WRITE"),
		}}
	case "authenticated-read":
		acp.AccessControlList = xmlutil.ACL{Grants: []xmlutil.Grant{ownerGrant, groupGrant(authenticatedUsersGroupURI, "READ")}}
	default: // "private", "", and anything unrecognized
		acp.AccessControlList = xmlutil.ACL{Grants: []xmlutil.Grant{ownerGrant}}
	}
	return acp
}

var grantHeaderMap = map[string]string{
	"X-Amz-Grant-Full-Control": "FULL_CONTROL",
	"X-Amz-Grant-Read":         "READ",
	"X-Amz-Grant-Read-Acp":     "READ_ACP",
	"X-Amz-Grant-Write":        "WRITE",
	"X-Amz-Grant-Write-Acp":    "WRITE_ACP",
}

func hasGrantHeaders(headers http.Header) bool {
	for headerName := range grantHeaderMap {
		if headers.Get(headerName) != "" {
			return true
		}
	}
	return false
}

// granteeFromEntry parses a single id=/uri=/emailAddress= grant entry.
// Returns ok=false for anything else, which the caller skips.
func granteeFromEntry(entry string) (xmlutil.Grantee, bool) {
	trimValue := func(prefix string) string { return strings.Trim(strings.TrimPrefix(entry, prefix), `"`) }

	switch {
	case strings.HasPrefix(entry, "id="):
		return xmlutil.Grantee{Type: "CanonicalUser", ID: trimValue("id=")}, true
	case strings.HasPrefix(entry, "uri="):
		return xmlutil.Grantee{Type: "Group", URI: trimValue("uri=")}, true
	case strings.HasPrefix(entry, "emailAddress="):
		return xmlutil.Grantee{Type: "AmazonCustomerByEmail", ID: trimValue("emailAddress=")}, true
	default:
		return xmlutil.Grantee{}, false
	}
}

// parseGrantHeaders turns x-amz-grant-* headers into an AccessControlPolicy.
// Each header value is a comma-separated list of id="..."/uri="..."/
// emailAddress="..." grantees. Returns nil if no grant headers are set.
func parseGrantHeaders(headers http.Header, ownerID, ownerDisplay string) *xmlutil.AccessControlPolicy {
	var grants []xmlutil.Grant

	for headerName, permission := range grantHeaderMap {
		headerVal := headers.Get(headerName)
		if headerVal == "" {
			continue
		}
		for _, entry := range strings.Split(headerVal, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			grantee, ok := granteeFromEntry(entry)
			if !ok {
				continue
			}
			grants = append(grants, xmlutil.Grant{Grantee: grantee, Permission: permission})
		}
	}

	if len(grants) == 0 {
		return nil
	}
	return &xmlutil.AccessControlPolicy{
		Owner:             xmlutil.Owner{ID: ownerID, DisplayName: ownerDisplay},
		AccessControlList: xmlutil.ACL{Grants: grants},
	}
}

func aclToJSON(acp *xmlutil.AccessControlPolicy) json.RawMessage {
	data, _ := json.Marshal(acp)
	return data
}

func aclFromJSON(data json.RawMessage) *xmlutil.AccessControlPolicy {
	if len(data) == 0 || string(data) == "{}" {
		return nil
	}
	var acp xmlutil.AccessControlPolicy
	if err := json.Unmarshal(data, &acp); err != nil {
		return nil
	}
	return &acp
}

func extractBucketName(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return path[:idx]
	}
	return path
}

// extractUserMetadata collects x-amz-meta-* request headers into a map
// keyed by the lowercased suffix.
func extractUserMetadata(r *http.Request) map[string]string {
	meta := make(map[string]string)
	for key, values := range r.Header {
		lower := strings.ToLower(key)
		if metaKey, isMeta := strings.CutPrefix(lower, "x-amz-meta-"); isMeta {
			if len(values) > 0 && metaKey != "" {
				meta[metaKey] = values[0]
			}
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func parseDeleteRequest(body io.Reader) (*xmlutil.DeleteRequest, error) {
	var req xmlutil.DeleteRequest
	if err := xml.NewDecoder(body).Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// parseCopySource splits an X-Amz-Copy-Source header ("/bucket/key" or
// "bucket/key", URL-encoded) into its bucket and key.
func parseCopySource(header string) (bucket, key string, ok bool) {
	decoded, err := url.PathUnescape(header)
	if err != nil {
		return "", "", false
	}
	decoded = strings.TrimPrefix(decoded, "/")
	if decoded == "" {
		return "", "", false
	}
	idx := strings.IndexByte(decoded, '/')
	if idx < 0 || idx == len(decoded)-1 {
		return "", "", false
	}
	return decoded[:idx], decoded[idx+1:], true
}

// parseRange parses an HTTP Range header ("bytes=0-4", "bytes=5-", or
// "bytes=-10") into an inclusive [start, end] byte range, clamped to
// objectSize. Multi-range requests are rejected as unsupported.
func parseRange(rangeHeader string, objectSize int64) (start, end int64, err error) {
	if objectSize == 0 {
		return 0, 0, fmt.Errorf("empty object")
	}
	if !strings.HasPrefix(rangeHeader, "bytes=") {
		return 0, 0, fmt.Errorf("invalid range header: missing bytes= prefix")
	}

	rangeSpec := strings.TrimPrefix(rangeHeader, "bytes=")
	if strings.Contains(rangeSpec, ",") {
		return 0, 0, fmt.Errorf("multi-range not supported")
	}

	parts := strings.SplitN(rangeSpec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range spec: %q", rangeSpec)
	}
	startStr, endStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if startStr == "" && endStr == "" {
		return 0, 0, fmt.Errorf("invalid range: both start and end are empty")
	}

	if startStr == "" {
		suffixLen, parseErr := strconv.ParseInt(endStr, 10, 64)
		if parseErr != nil || suffixLen <= 0 {
			return 0, 0, fmt.Errorf("invalid suffix length: %q", endStr)
		}
		if suffixLen >= objectSize {
			return 0, objectSize - 1, nil
		}
		return objectSize - suffixLen, objectSize - 1, nil
	}

	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid range start: %q", startStr)
	}
	if start >= objectSize {
		return 0, 0, fmt.Errorf("range start %d beyond object size %d", start, objectSize)
	}
	if endStr == "" {
		return start, objectSize - 1, nil
	}

	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < 0 {
		return 0, 0, fmt.Errorf("invalid range end: %q", endStr)
	}
	if end >= objectSize {
		end = objectSize - 1
	}
	if start > end {
		return 0, 0, fmt.Errorf("range start %d > end %d", start, end)
	}
	return start, end, nil
}

func normalizeETag(e string) string { return strings.Trim(e, `"`) }

// etagListMatches reports whether objectETag matches "*" or any
// comma-separated, quote-trimmed entry in the If-Match/If-None-Match-style
// header value.
func etagListMatches(headerVal, objectETag string) bool {
	if headerVal == "*" {
		return true
	}
	for _, tag := range strings.Split(headerVal, ",") {
		if normalizeETag(strings.TrimSpace(tag)) == objectETag {
			return true
		}
	}
	return false
}

// checkCopySourceConditionals evaluates x-amz-copy-source-if-* headers
// against the source object's ETag/LastModified, used by CopyObject and
// UploadPartCopy. Returns proceed=false with the S3 error to return on a
// failed precondition.
func checkCopySourceConditionals(r *http.Request, etag string, lastModified time.Time) (proceed bool, err *s3err.S3Error) {
	objectETag := normalizeETag(etag)

	ifMatch := r.Header.Get("x-amz-copy-source-if-match")
	if ifMatch != "" && !etagListMatches(ifMatch, objectETag) {
		return false, s3err.ErrPreconditionFailed
	}
	if ifMatch == "" {
		if t, ok := parseHTTPTime(r.Header.Get("x-amz-copy-source-if-unmodified-since")); ok {
			if lastModified.Truncate(time.Second).After(t.Truncate(time.Second)) {
				return false, s3err.ErrPreconditionFailed
			}
		}
	}

	ifNoneMatch := r.Header.Get("x-amz-copy-source-if-none-match")
	if ifNoneMatch != "" && etagListMatches(ifNoneMatch, objectETag) {
		return false, s3err.ErrPreconditionFailed
	}
	if ifNoneMatch == "" {
		if t, ok := parseHTTPTime(r.Header.Get("x-amz-copy-source-if-modified-since")); ok {
			if !lastModified.Truncate(time.Second).After(t.Truncate(time.Second)) {
				return false, s3err.ErrPreconditionFailed
			}
		}
	}
	return true, nil
}

func parseHTTPTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(v)
	return t, err == nil
}

// checkConditionalHeaders evaluates If-Match/If-Unmodified-Since/
// If-None-Match/If-Modified-Since in RFC 7232 priority order. Returns the
// status code to short-circuit with and whether the caller should skip
// its normal response body.
func checkConditionalHeaders(r *http.Request, etag string, lastModified time.Time) (statusCode int, skip bool) {
	objectETag := normalizeETag(etag)
	isGetOrHead := r.Method == http.MethodGet || r.Method == http.MethodHead

	ifMatch := r.Header.Get("If-Match")
	if ifMatch != "" && !etagListMatches(ifMatch, objectETag) {
		return http.StatusPreconditionFailed, true
	}
	if ifMatch == "" {
		if t, ok := parseHTTPTime(r.Header.Get("If-Unmodified-Since")); ok {
			if lastModified.Truncate(time.Second).After(t.Truncate(time.Second)) {
				return http.StatusPreconditionFailed, true
			}
		}
	}

	ifNoneMatch := r.Header.Get("If-None-Match")
	if ifNoneMatch != "" {
		if etagListMatches(ifNoneMatch, objectETag) {
			if isGetOrHead {
				return http.StatusNotModified, true
			}
			return http.StatusPreconditionFailed, true
		}
		return 0, false
	}

	if t, ok := parseHTTPTime(r.Header.Get("If-Modified-Since")); ok && isGetOrHead {
		if !lastModified.Truncate(time.Second).After(t.Truncate(time.Second)) {
			return http.StatusNotModified, true
		}
	}
	return 0, false
}

// setObjectResponseHeaders writes the standard S3 object headers shared
// by GetObject and HeadObject.
func setObjectResponseHeaders(w http.ResponseWriter, obj *metadata.ObjectRecord) {
	h := w.Header()
	h.Set("Content-Type", obj.ContentType)
	h.Set("ETag", obj.ETag)
	h.Set("Last-Modified", xmlutil.FormatTimeHTTP(obj.LastModified))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Length", strconv.FormatInt(obj.Size, 10))

	setIfNonEmpty := func(name, value string) {
		if value != "" {
			h.Set(name, value)
		}
	}
	setIfNonEmpty("Content-Encoding", obj.ContentEncoding)
	setIfNonEmpty("Content-Language", obj.ContentLanguage)
	setIfNonEmpty("Content-Disposition", obj.ContentDisposition)
	setIfNonEmpty("Cache-Control", obj.CacheControl)
	setIfNonEmpty("Expires", obj.Expires)
	if obj.StorageClass != "" && obj.StorageClass != "STANDARD" {
		h.Set("x-amz-storage-class", obj.StorageClass)
	}

	for key, value := range obj.UserMetadata {
		h.Set("x-amz-meta-"+strings.ToLower(key), value)
	}
}

// applyResponseOverrides maps response-content-type and friends (used by
// presigned URLs) onto the corresponding response headers.
func applyResponseOverrides(w http.ResponseWriter, r *http.Request) {
	overrides := map[string]string{
		"response-content-type":        "Content-Type",
		"response-content-language":    "Content-Language",
		"response-expires":             "Expires",
		"response-cache-control":       "Cache-Control",
		"response-content-disposition": "Content-Disposition",
		"response-content-encoding":    "Content-Encoding",
	}
	q := r.URL.Query()
	for param, header := range overrides {
		if v := q.Get(param); v != "" {
			w.Header().Set(header, v)
		}
	}
}

// CompletePart is a single <Part> entry in a CompleteMultipartUpload body.
type CompletePart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type CompleteMultipartUploadRequest struct {
	XMLName xml.Name       `xml:"CompleteMultipartUpload"`
	Parts   []CompletePart `xml:"Part"`
}

func parseCompleteMultipartXML(body io.Reader) ([]CompletePart, error) {
	var req CompleteMultipartUploadRequest
	if err := xml.NewDecoder(body).Decode(&req); err != nil {
		return nil, fmt.Errorf("decoding CompleteMultipartUpload XML: %w", err)
	}
	return req.Parts, nil
}

// computeCompositeETag derives the S3-style "hexdigest-N" composite ETag
// from a list of quoted, hex-encoded part ETags: decode each to raw MD5
// bytes, concatenate, MD5 the concatenation, and append the part count.
func computeCompositeETag(partETags []string) string {
	h := md5.New()
	for _, etag := range partETags {
		raw, err := hex.DecodeString(normalizeETag(etag))
		if err != nil {
			continue
		}
		h.Write(raw)
	}
	return fmt.Sprintf(`"%x-%d"`, h.Sum(nil), len(partETags))
}
