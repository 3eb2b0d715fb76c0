package common

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5"
)

// MaxParamLength bounds decoded URL parameters
const MaxParamLength = 256

// GetAndValidateURLParam extracts, decodes, and validates a URL parameter from the request.
// The decoded value must be non-empty, at most MaxParamLength bytes long and
// free of whitespace and control characters.
func GetAndValidateURLParam(r *http.Request, paramName string) (string, error) {
	decoded, err := url.PathUnescape(chi.URLParam(r, paramName))
	if err != nil {
		return "", fmt.Errorf("invalid URL encoding in %s", paramName)
	}

	if strings.TrimSpace(decoded) == "" {
		return "", fmt.Errorf("%s cannot be empty", paramName)
	}
	if len(decoded) > MaxParamLength {
		return "", fmt.Errorf("%s cannot be longer than %d bytes", paramName, MaxParamLength)
	}
	if strings.IndexFunc(decoded, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return "", fmt.Errorf("%s cannot contain whitespace or control characters", paramName)
	}

	return decoded, nil
}
