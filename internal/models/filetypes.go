package models

import (
	"path"
	"strings"
)

// SupportedExtensions lists the upload formats the pipeline accepts. The same
// set is sent to recognition.
var SupportedExtensions = map[string]string{
	"pdf":  "application/pdf",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"tiff": "image/tiff",
}

// Extension returns the lower-cased extension of name without the dot, or ""
// when there is none.
func Extension(name string) string {
	ext := path.Ext(path.Base(name))
	if len(ext) <= 1 {
		return ""
	}
	return strings.ToLower(ext[1:])
}

// IsSupportedFile reports whether name carries one of SupportedExtensions.
func IsSupportedFile(name string) bool {
	_, ok := SupportedExtensions[Extension(name)]
	return ok
}

// ContentTypeFor maps a filename to its MIME type.
func ContentTypeFor(name string) string {
	if ct, ok := SupportedExtensions[Extension(name)]; ok {
		return ct
	}
	return "application/octet-stream"
}
