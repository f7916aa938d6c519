package domain

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Attachment is one entry of a queue item's JSON attachment list. Content is
// carried either inline as base64 or as a path readable by the worker.
type Attachment struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type,omitempty"`
	Content     string `json:"content,omitempty"` // base64 encoded
	FilePath    string `json:"file_path,omitempty"`
	IsInline    bool   `json:"is_inline,omitempty"`
	ContentID   string `json:"content_id,omitempty"`
}

// blockedExtensions are executable or script types never accepted for dispatch.
var blockedExtensions = []string{
	".exe", ".bat", ".cmd", ".com", ".scr", ".pif", ".vbs", ".js",
}

// allowedContentTypes is the dispatch allow-list: documents, text, images,
// archives and structured data.
var allowedContentTypes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.ms-excel":                                                  true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.ms-powerpoint":                                             true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"text/plain":               true,
	"text/csv":                 true,
	"text/html":                true,
	"image/jpeg":               true,
	"image/png":                true,
	"image/gif":                true,
	"image/bmp":                true,
	"image/webp":               true,
	"image/svg+xml":            true,
	"application/zip":          true,
	"application/x-7z-compressed": true,
	"application/gzip":         true,
	"application/json":         true,
	"application/xml":          true,
	"text/xml":                 true,
}

var extensionContentTypes = map[string]string{
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".html": "text/html",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".zip":  "application/zip",
	".7z":   "application/x-7z-compressed",
	".gz":   "application/gzip",
	".json": "application/json",
	".xml":  "application/xml",
}

// invalidFileNameChars are characters rejected in attachment names.
const invalidFileNameChars = `<>:"/\|?*`

// ParseAttachments decodes the queue row's JSON attachment blob.
func ParseAttachments(raw string) ([]Attachment, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var attachments []Attachment
	if err := json.Unmarshal([]byte(raw), &attachments); err != nil {
		return nil, fmt.Errorf("invalid attachments JSON: %w", err)
	}
	return attachments, nil
}

// SerializeAttachments encodes attachments back into the row format.
func SerializeAttachments(attachments []Attachment) (string, error) {
	data, err := json.Marshal(attachments)
	if err != nil {
		return "", fmt.Errorf("failed to marshal attachments: %w", err)
	}
	return string(data), nil
}

// Validate checks the attachment metadata and content source. It fills in a
// missing content type from the file extension.
func (a *Attachment) Validate() error {
	if a.FileName == "" {
		return fmt.Errorf("file name is required")
	}
	if len(a.FileName) > 255 {
		return fmt.Errorf("file name must be at most 255 characters")
	}
	if strings.ContainsAny(a.FileName, invalidFileNameChars) {
		return fmt.Errorf("file name contains invalid characters: %s", a.FileName)
	}

	ext := strings.ToLower(filepath.Ext(a.FileName))
	for _, blocked := range blockedExtensions {
		if ext == blocked {
			return fmt.Errorf("file extension %s is not allowed", ext)
		}
	}

	if a.Content == "" && a.FilePath == "" {
		return fmt.Errorf("attachment %s has no content or file path", a.FileName)
	}
	if a.Content != "" {
		if _, err := base64.StdEncoding.DecodeString(a.Content); err != nil {
			return fmt.Errorf("attachment %s content is not valid base64: %w", a.FileName, err)
		}
	} else {
		info, err := os.Stat(a.FilePath)
		if err != nil {
			return fmt.Errorf("attachment %s file path is not readable: %w", a.FileName, err)
		}
		if info.IsDir() {
			return fmt.Errorf("attachment %s file path is a directory", a.FileName)
		}
	}

	if a.ContentType == "" {
		inferred, ok := extensionContentTypes[ext]
		if !ok {
			return fmt.Errorf("attachment %s has no content type and extension %q is unknown", a.FileName, ext)
		}
		a.ContentType = inferred
	}
	if !allowedContentTypes[strings.ToLower(a.ContentType)] {
		return fmt.Errorf("content type %s is not allowed", a.ContentType)
	}

	return nil
}

// Bytes returns the decoded attachment content.
func (a *Attachment) Bytes() ([]byte, error) {
	if a.Content != "" {
		data, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to decode attachment %s: %w", a.FileName, err)
		}
		return data, nil
	}
	data, err := os.ReadFile(a.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment file %s: %w", a.FilePath, err)
	}
	return data, nil
}

// checkMagicBytes rejects executable payloads regardless of claimed type.
func checkMagicBytes(name string, data []byte) error {
	if len(data) >= 2 && data[0] == 'M' && data[1] == 'Z' {
		return fmt.Errorf("attachment %s is a Windows executable", name)
	}
	if len(data) >= 4 && bytes.Equal(data[:4], []byte{0x7F, 'E', 'L', 'F'}) {
		return fmt.Errorf("attachment %s is an ELF executable", name)
	}
	return nil
}

// ValidateAttachments validates metadata, content and sizes for the whole
// list. maxEach and maxTotal are byte limits.
func ValidateAttachments(attachments []Attachment, maxEach, maxTotal int64) error {
	var totalSize int64
	for i := range attachments {
		a := &attachments[i]
		if err := a.Validate(); err != nil {
			return fmt.Errorf("attachment %d: %w", i, err)
		}

		data, err := a.Bytes()
		if err != nil {
			return fmt.Errorf("attachment %d: %w", i, err)
		}
		if err := checkMagicBytes(a.FileName, data); err != nil {
			return fmt.Errorf("attachment %d: %w", i, err)
		}

		size := int64(len(data))
		if size > maxEach {
			return fmt.Errorf("attachment %d (%s): size %d bytes exceeds maximum of %d bytes",
				i, a.FileName, size, maxEach)
		}
		totalSize += size
	}

	if totalSize > maxTotal {
		return fmt.Errorf("total attachment size %d bytes exceeds maximum of %d bytes", totalSize, maxTotal)
	}

	return nil
}
