package orchestrator

import (
	"strings"

	"github.com/dharsanguruparan/EchoScribe/internal/upload"
)

// Rules are the allow-lists a submission is checked against.
type Rules struct {
	ContentTypes []string
	Languages    []string
}

// Validate decides whether a submission may proceed. It never touches the
// network.
func (r Rules) Validate(f *upload.File, language string) error {
	if f == nil || f.Body == nil {
		return newError(KindValidation, "no file selected", nil)
	}
	if !contains(r.ContentTypes, strings.ToLower(strings.TrimSpace(f.ContentType))) {
		return newError(KindValidation, "unsupported type", nil)
	}
	if !contains(r.Languages, language) {
		return newError(KindValidation, "unsupported language", nil)
	}
	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
