package auth

import (
	"net/http"
	"strings"

	s3err "github.com/objectvault/bleepstore/internal/errors"
	"github.com/objectvault/bleepstore/internal/metadata"
	"github.com/objectvault/bleepstore/internal/xmlutil"
)

// unauthenticatedPaths lists routes that never require a SigV4 signature:
// the ambient health/metrics/docs surface, not the S3 wire routes.
var unauthenticatedPaths = map[string]bool{
	"/health":       true,
	"/healthz":      true,
	"/readyz":       true,
	"/metrics":      true,
	"/docs":         true,
	"/docs/":        true,
	"/openapi":      true,
	"/openapi.json": true,
}

func isUnauthenticatedPath(path string) bool {
	return unauthenticatedPaths[path] || strings.HasPrefix(path, "/docs")
}

// Middleware enforces SigV4 authentication on every request except
// isUnauthenticatedPath, attaching the resolved owner identity to the
// request context on success.
func Middleware(verifier *SigV4Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isUnauthenticatedPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			var (
				cred *metadata.CredentialRecord
				err  error
			)
			switch DetectAuthMethod(r) {
			case "none":
				xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied)
				return
			case "ambiguous":
				xmlutil.WriteErrorResponse(w, r, &s3err.S3Error{
					Code:       "InvalidArgument",
					Message:    "Only one auth mechanism allowed; found both Authorization header and query string parameters",
					HTTPStatus: 400,
				})
				return
			case "header":
				cred, err = verifier.VerifyRequest(r)
			case "presigned":
				cred, err = verifier.VerifyPresigned(r)
			}
			if err != nil {
				writeAuthFailure(w, r, err)
				return
			}
			if cred != nil {
				r = r.WithContext(contextWithOwner(r.Context(), cred.OwnerID, cred.DisplayName))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthFailure(w http.ResponseWriter, r *http.Request, err error) {
	authErr, ok := err.(*AuthError)
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	switch authErr.Code {
	case "InvalidAccessKeyId":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidAccessKeyId)
	case "SignatureDoesNotMatch":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrSignatureDoesNotMatch)
	case "RequestTimeTooSkewed":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrRequestTimeTooSkewed)
	case "InternalError":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
	default:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied)
	}
}
