// Package xmlutil renders the XML envelopes BleepStore's S3 surface speaks:
// bucket/object listings, multipart results, ACL documents, and the error
// envelope. Every exported type here mirrors a wire shape, so field order
// and struct tags are load-bearing — do not reorder them casually.
package xmlutil

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	s3err "github.com/objectvault/bleepstore/internal/errors"
)

const (
	// s3Namespace is the XML namespace every success envelope's root element
	// declares. Error envelopes deliberately omit it.
	s3Namespace = "http://s3.amazonaws.com/doc/2006-03-01/"
	xmlProlog   = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"
)

// --- shared fragments -------------------------------------------------

type Owner struct {
	ID          string `xml:"ID"`
	DisplayName string `xml:"DisplayName"`
}

type CommonPrefix struct {
	Prefix string `xml:"Prefix"`
}

// --- error envelope -----------------------------------------------------

// ErrorResponse carries no namespace, unlike every success response below.
type ErrorResponse struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource,omitempty"`
	RequestID string   `xml:"RequestId"`
}

// --- bucket listing -----------------------------------------------------

type Bucket struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

type ListAllMyBucketsResult struct {
	XMLName xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListAllMyBucketsResult"`
	Owner   Owner    `xml:"Owner"`
	Buckets []Bucket `xml:"Buckets>Bucket"`
}

// --- object listing -------------------------------------------------------

type Object struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
	Owner        *Owner `xml:"Owner,omitempty"`
}

type ListBucketResult struct {
	XMLName        xml.Name       `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListBucketResult"`
	Name           string         `xml:"Name"`
	Prefix         string         `xml:"Prefix"`
	Marker         string         `xml:"Marker"`
	NextMarker     string         `xml:"NextMarker,omitempty"`
	MaxKeys        int            `xml:"MaxKeys"`
	Delimiter      string         `xml:"Delimiter,omitempty"`
	EncodingType   string         `xml:"EncodingType,omitempty"`
	IsTruncated    bool           `xml:"IsTruncated"`
	Contents       []Object       `xml:"Contents"`
	CommonPrefixes []CommonPrefix `xml:"CommonPrefixes"`
}

type ListBucketV2Result struct {
	XMLName               xml.Name       `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListBucketResult"`
	Name                  string         `xml:"Name"`
	Prefix                string         `xml:"Prefix"`
	StartAfter            string         `xml:"StartAfter,omitempty"`
	ContinuationToken     string         `xml:"ContinuationToken,omitempty"`
	NextContinuationToken string         `xml:"NextContinuationToken,omitempty"`
	KeyCount              int            `xml:"KeyCount"`
	MaxKeys               int            `xml:"MaxKeys"`
	Delimiter             string         `xml:"Delimiter,omitempty"`
	EncodingType          string         `xml:"EncodingType,omitempty"`
	IsTruncated           bool           `xml:"IsTruncated"`
	Contents              []Object       `xml:"Contents"`
	CommonPrefixes        []CommonPrefix `xml:"CommonPrefixes"`
}

// --- copy ---------------------------------------------------------------

type CopyObjectResult struct {
	XMLName      xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ CopyObjectResult"`
	LastModified string   `xml:"LastModified"`
	ETag         string   `xml:"ETag"`
}

type CopyPartResult struct {
	XMLName      xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ CopyPartResult"`
	ETag         string   `xml:"ETag"`
	LastModified string   `xml:"LastModified"`
}

// --- multipart ------------------------------------------------------------

type InitiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

type CompleteMultipartUploadResult struct {
	XMLName  xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ CompleteMultipartUploadResult"`
	Location string   `xml:"Location"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	ETag     string   `xml:"ETag"`
}

type Part struct {
	PartNumber   int    `xml:"PartNumber"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
}

type ListPartsResult struct {
	XMLName              xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListPartsResult"`
	Bucket               string   `xml:"Bucket"`
	Key                  string   `xml:"Key"`
	UploadID             string   `xml:"UploadId"`
	PartNumberMarker     int      `xml:"PartNumberMarker"`
	NextPartNumberMarker int      `xml:"NextPartNumberMarker"`
	MaxParts             int      `xml:"MaxParts"`
	IsTruncated          bool     `xml:"IsTruncated"`
	Parts                []Part   `xml:"Part"`
}

type Upload struct {
	Key       string `xml:"Key"`
	UploadID  string `xml:"UploadId"`
	Initiator Owner  `xml:"Initiator"`
	Owner     Owner  `xml:"Owner"`
	Initiated string `xml:"Initiated"`
}

type ListMultipartUploadsResult struct {
	XMLName            xml.Name       `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListMultipartUploadsResult"`
	Bucket             string         `xml:"Bucket"`
	KeyMarker          string         `xml:"KeyMarker"`
	UploadIDMarker     string         `xml:"UploadIdMarker"`
	NextKeyMarker      string         `xml:"NextKeyMarker"`
	NextUploadIDMarker string         `xml:"NextUploadIdMarker"`
	MaxUploads         int            `xml:"MaxUploads"`
	EncodingType       string         `xml:"EncodingType,omitempty"`
	IsTruncated        bool           `xml:"IsTruncated"`
	Uploads            []Upload       `xml:"Upload"`
	CommonPrefixes     []CommonPrefix `xml:"CommonPrefixes"`
}

// --- bulk delete ----------------------------------------------------------

type DeleteRequestObj struct {
	Key string `xml:"Key"`
}

type DeleteRequest struct {
	XMLName xml.Name           `xml:"Delete"`
	Quiet   bool               `xml:"Quiet"`
	Objects []DeleteRequestObj `xml:"Object"`
}

type DeletedItem struct {
	Key string `xml:"Key"`
}

type DeleteError struct {
	Key     string `xml:"Key"`
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

type DeleteResult struct {
	XMLName xml.Name      `xml:"http://s3.amazonaws.com/doc/2006-03-01/ DeleteResult"`
	Deleted []DeletedItem `xml:"Deleted"`
	Errors  []DeleteError `xml:"Error"`
}

// --- location / ACL ---------------------------------------------------------

type LocationConstraint struct {
	XMLName  xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ LocationConstraint"`
	Location string   `xml:",chardata"`
}

type Grant struct {
	Grantee    Grantee `xml:"Grantee"`
	Permission string  `xml:"Permission"`
}

type ACL struct {
	Grants []Grant `xml:"Grant"`
}

type AccessControlPolicy struct {
	XMLName           xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ AccessControlPolicy"`
	Owner             Owner    `xml:"Owner"`
	AccessControlList ACL      `xml:"AccessControlList"`
}

// Grantee needs custom (un)marshaling because its xsi:type attribute
// (CanonicalUser vs. Group) doesn't map onto a plain struct tag.
type Grantee struct {
	XMLName     xml.Name `xml:"Grantee"`
	Type        string   `xml:"-"`
	ID          string   `xml:"ID,omitempty"`
	DisplayName string   `xml:"DisplayName,omitempty"`
	URI         string   `xml:"URI,omitempty"`
}

// granteeBody is the shape of everything inside <Grantee> except the
// xsi:type attribute, which lives on the start element itself.
type granteeBody struct {
	ID          string `xml:"ID,omitempty"`
	DisplayName string `xml:"DisplayName,omitempty"`
	URI         string `xml:"URI,omitempty"`
}

func (g Grantee) MarshalXML(enc *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Local: "Grantee"}
	start.Attr = []xml.Attr{
		{Name: xml.Name{Local: "xmlns:xsi"}, Value: "http://www.w3.org/2001/XMLSchema-instance"},
		{Name: xml.Name{Local: "xsi:type"}, Value: g.Type},
	}
	return enc.EncodeElement(granteeBody{ID: g.ID, DisplayName: g.DisplayName, URI: g.URI}, start)
}

func (g *Grantee) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	for _, attr := range start.Attr {
		if attr.Name.Local == "type" {
			g.Type = attr.Value
			break
		}
	}
	var body granteeBody
	if err := dec.DecodeElement(&body, &start); err != nil {
		return err
	}
	g.ID, g.DisplayName, g.URI = body.ID, body.DisplayName, body.URI
	return nil
}

// --- rendering ------------------------------------------------------------

// render marshals v to XML, prefixed with the standard prolog, and writes
// it with the given status. A marshal failure is surfaced as an XML
// comment rather than a panic, since the headers are already committed.
func render(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	io.WriteString(w, xmlProlog)
	if err := xml.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(w, "<!-- xml encode failed: %v -->", err)
	}
}

// RenderError writes the S3 error envelope for s3Err, stamping resource
// and the request ID already set on the response by the common-headers
// middleware.
func RenderError(w http.ResponseWriter, r *http.Request, s3Err *s3err.S3Error, resource string) {
	render(w, s3Err.HTTPStatus, ErrorResponse{
		Code:      s3Err.Code,
		Message:   s3Err.Message,
		Resource:  resource,
		RequestID: w.Header().Get("x-amz-request-id"),
	})
}

// WriteErrorResponse renders s3Err using the request path as the resource.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, s3Err *s3err.S3Error) {
	RenderError(w, r, s3Err, r.URL.Path)
}

func RenderListBuckets(w http.ResponseWriter, result *ListAllMyBucketsResult) {
	render(w, http.StatusOK, result)
}

func RenderListObjects(w http.ResponseWriter, result *ListBucketResult) {
	render(w, http.StatusOK, result)
}

func RenderListObjectsV2(w http.ResponseWriter, result *ListBucketV2Result) {
	render(w, http.StatusOK, result)
}

func RenderCopyObject(w http.ResponseWriter, result *CopyObjectResult) {
	render(w, http.StatusOK, result)
}

func RenderInitiateMultipartUpload(w http.ResponseWriter, result *InitiateMultipartUploadResult) {
	render(w, http.StatusOK, result)
}

func RenderCompleteMultipartUpload(w http.ResponseWriter, result *CompleteMultipartUploadResult) {
	render(w, http.StatusOK, result)
}

func RenderListParts(w http.ResponseWriter, result *ListPartsResult) {
	render(w, http.StatusOK, result)
}

func RenderListMultipartUploads(w http.ResponseWriter, result *ListMultipartUploadsResult) {
	render(w, http.StatusOK, result)
}

func RenderCopyPartResult(w http.ResponseWriter, result *CopyPartResult) {
	render(w, http.StatusOK, result)
}

func RenderDeleteResult(w http.ResponseWriter, result *DeleteResult) {
	render(w, http.StatusOK, result)
}

func RenderLocationConstraint(w http.ResponseWriter, location string) {
	render(w, http.StatusOK, LocationConstraint{Location: location})
}

func RenderAccessControlPolicy(w http.ResponseWriter, acp *AccessControlPolicy) {
	render(w, http.StatusOK, acp)
}

// FormatTimeS3 renders t as the millisecond-precision ISO-8601 timestamp
// S3 uses in LastModified-style fields.
func FormatTimeS3(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// FormatTimeHTTP renders t as an RFC 7231 HTTP-date.
func FormatTimeHTTP(t time.Time) string {
	return t.UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
}

// EncodeKeyURL applies URL encoding to key when the client requested
// encoding-type=url; otherwise it returns key unchanged.
func EncodeKeyURL(key, encodingType string) string {
	if encodingType != "url" {
		return key
	}
	return url.QueryEscape(key)
}
