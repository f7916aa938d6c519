package service

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/mailroom/mailroom/internal/domain"
)

// Data URLs are lifted from two positions: img src attributes and CSS
// background url() values. Anything else stays in the body untouched.
var (
	imgSrcDataURLPattern = regexp.MustCompile(`(?is)(<img\b[^>]*?\bsrc\s*=\s*["'])(data:image/([a-z0-9.+-]+);base64,([A-Za-z0-9+/=\s]+?))(["'])`)
	cssURLDataURLPattern = regexp.MustCompile(`(?is)(url\(\s*["']?)(data:image/([a-z0-9.+-]+);base64,([A-Za-z0-9+/=\s]+?))(["']?\s*\))`)
)

// maxInlineImageBytes caps one decoded inline image at 5MB.
const maxInlineImageBytes = 5 * 1024 * 1024

var inlineImageSubtypes = map[string]string{
	"jpeg":    ".jpg",
	"jpg":     ".jpg",
	"png":     ".png",
	"gif":     ".gif",
	"bmp":     ".bmp",
	"webp":    ".webp",
	"svg+xml": ".svg",
}

// CIDProcessor converts base64 data URLs embedded in an HTML body into
// cid: references backed by inline attachments. Identical payloads share one
// content id; distinct payloads are numbered in order of first appearance.
type CIDProcessor struct{}

// NewCIDProcessor creates a new CIDProcessor
func NewCIDProcessor() *CIDProcessor {
	return &CIDProcessor{}
}

// CIDResult is the outcome of one body rewrite.
type CIDResult struct {
	Body        string
	Attachments []domain.Attachment
}

// Process rewrites data URLs in an HTML body into cid: references and returns
// the inline attachments to embed. Plain-text bodies pass through unchanged.
// A data URL that fails validation fails the whole rewrite: the item must not
// ship a multi-megabyte base64 blob or a mislabeled payload in its body.
func (p *CIDProcessor) Process(body string, isHTML bool) (*CIDResult, error) {
	if !isHTML {
		return &CIDResult{Body: body}, nil
	}

	result := &CIDResult{}
	assigned := make(map[string]string)

	lift := func(dataURL, subtype, payload string) (string, error) {
		if cid, ok := assigned[dataURL]; ok {
			return cid, nil
		}

		subtype = strings.ToLower(subtype)
		extension, ok := inlineImageSubtypes[subtype]
		if !ok {
			return "", fmt.Errorf("unsupported inline image type image/%s", subtype)
		}

		decoded, err := base64.StdEncoding.DecodeString(stripWhitespace(payload))
		if err != nil {
			return "", fmt.Errorf("invalid base64 in inline image: %w", err)
		}
		if len(decoded) == 0 {
			return "", fmt.Errorf("inline image is empty")
		}
		if len(decoded) > maxInlineImageBytes {
			return "", fmt.Errorf("inline image is %d bytes, maximum is %d", len(decoded), maxInlineImageBytes)
		}
		if !imageSignatureMatches(subtype, decoded) {
			return "", fmt.Errorf("inline image content does not match declared type image/%s", subtype)
		}

		n := len(assigned) + 1
		cid := fmt.Sprintf("image%d@emailworker.local", n)
		assigned[dataURL] = cid

		result.Attachments = append(result.Attachments, domain.Attachment{
			FileName:    fmt.Sprintf("image%d%s", n, extension),
			ContentType: "image/" + subtype,
			Content:     base64.StdEncoding.EncodeToString(decoded),
			IsInline:    true,
			ContentID:   cid,
		})
		return cid, nil
	}

	var liftErr error
	replace := func(pattern *regexp.Regexp) func(string) string {
		return func(match string) string {
			if liftErr != nil {
				return match
			}
			groups := pattern.FindStringSubmatch(match)
			cid, err := lift(groups[2], groups[3], groups[4])
			if err != nil {
				liftErr = err
				return match
			}
			return groups[1] + "cid:" + cid + groups[5]
		}
	}

	rewritten := imgSrcDataURLPattern.ReplaceAllStringFunc(body, replace(imgSrcDataURLPattern))
	rewritten = cssURLDataURLPattern.ReplaceAllStringFunc(rewritten, replace(cssURLDataURLPattern))
	if liftErr != nil {
		return nil, liftErr
	}

	result.Body = rewritten
	return result, nil
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
}

// imageSignatureMatches verifies the decoded bytes carry the magic numbers of
// the declared subtype. SVG is text and has no signature.
func imageSignatureMatches(subtype string, data []byte) bool {
	switch subtype {
	case "jpeg", "jpg":
		return len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8
	case "png":
		return bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47})
	case "gif":
		return bytes.HasPrefix(data, []byte("GIF"))
	case "bmp":
		return bytes.HasPrefix(data, []byte("BM"))
	case "webp":
		return len(data) >= 12 && bytes.Equal(data[8:12], []byte("WEBP"))
	case "svg+xml":
		return true
	default:
		return false
	}
}
