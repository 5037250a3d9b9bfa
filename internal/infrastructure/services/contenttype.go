package services

import (
	"bytes"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
)

// InferContentType determines the content type from an explicit value, the
// body file extension, or the body itself.
func InferContentType(explicit string, bodyFile string, body []byte) string {
	if explicit != "" {
		return explicit
	}

	if bodyFile != "" {
		switch strings.ToLower(filepath.Ext(bodyFile)) {
		case ".json":
			return "application/json"
		case ".xml":
			return "application/xml"
		case ".html", ".htm":
			return "text/html"
		case ".txt":
			return "text/plain"
		case ".csv":
			return "text/csv"
		}
	}

	if len(body) == 0 {
		return "application/octet-stream"
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed) {
		return "application/json"
	}
	return http.DetectContentType(body)
}
