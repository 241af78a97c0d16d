package model

import (
	"path/filepath"
	"sort"
	"strings"
)

// audioTypes maps accepted file extensions to the only MIME type allowed for
// each of them.
var audioTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
}

// DefaultLanguages lists the language codes accepted out of the box.
var DefaultLanguages = []string{"en", "hi", "es"}

// AudioContentTypes returns the supported audio MIME types, sorted.
func AudioContentTypes() []string {
	out := make([]string, 0, len(audioTypes))
	for _, ct := range audioTypes {
		out = append(out, ct)
	}
	sort.Strings(out)
	return out
}

// ContentTypeForExtension returns the MIME type expected for the extension of
// filename, and false when the extension is not a supported audio format.
func ContentTypeForExtension(filename string) (string, bool) {
	ct, ok := audioTypes[strings.ToLower(filepath.Ext(filename))]
	return ct, ok
}
