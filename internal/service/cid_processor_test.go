package service

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pngPayload  = base64.StdEncoding.EncodeToString([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 1, 2, 3})
	jpegPayload = base64.StdEncoding.EncodeToString([]byte{0xFF, 0xD8, 0xFF, 0xE0, 9, 9, 9})
)

func TestProcessLiftsImgTag(t *testing.T) {
	p := NewCIDProcessor()
	body := fmt.Sprintf(`<html><body><img src="data:image/png;base64,%s" alt="logo"></body></html>`, pngPayload)

	result, err := p.Process(body, true)
	require.NoError(t, err)

	assert.Contains(t, result.Body, `src="cid:image1@emailworker.local"`)
	assert.NotContains(t, result.Body, "data:image/png")

	require.Len(t, result.Attachments, 1)
	a := result.Attachments[0]
	assert.Equal(t, "image1.png", a.FileName)
	assert.Equal(t, "image/png", a.ContentType)
	assert.Equal(t, "image1@emailworker.local", a.ContentID)
	assert.True(t, a.IsInline)
}

func TestProcessLiftsCSSBackground(t *testing.T) {
	p := NewCIDProcessor()
	body := fmt.Sprintf(`<div style="background: url('data:image/jpeg;base64,%s')">x</div>`, jpegPayload)

	result, err := p.Process(body, true)
	require.NoError(t, err)

	assert.Contains(t, result.Body, "url('cid:image1@emailworker.local')")
	require.Len(t, result.Attachments, 1)
	assert.Equal(t, "image1.jpg", result.Attachments[0].FileName)
	assert.Equal(t, "image/jpeg", result.Attachments[0].ContentType)
}

func TestProcessDeduplicatesIdenticalPayloads(t *testing.T) {
	p := NewCIDProcessor()
	img := fmt.Sprintf(`<img src="data:image/png;base64,%s">`, pngPayload)
	body := "<html><body>" + img + img + "</body></html>"

	result, err := p.Process(body, true)
	require.NoError(t, err)

	assert.Equal(t, 2, strings.Count(result.Body, "cid:image1@emailworker.local"))
	assert.Len(t, result.Attachments, 1)
}

func TestProcessNumbersDistinctPayloads(t *testing.T) {
	p := NewCIDProcessor()
	body := fmt.Sprintf(
		`<img src="data:image/png;base64,%s"><img src="data:image/jpeg;base64,%s">`,
		pngPayload, jpegPayload)

	result, err := p.Process(body, true)
	require.NoError(t, err)

	assert.Contains(t, result.Body, "cid:image1@emailworker.local")
	assert.Contains(t, result.Body, "cid:image2@emailworker.local")
	require.Len(t, result.Attachments, 2)
	assert.Equal(t, "image1@emailworker.local", result.Attachments[0].ContentID)
	assert.Equal(t, "image2@emailworker.local", result.Attachments[1].ContentID)
}

func TestProcessRejectsInvalidImages(t *testing.T) {
	p := NewCIDProcessor()

	t.Run("invalid base64", func(t *testing.T) {
		body := `<img src="data:image/png;base64,AAAA=A">`
		_, err := p.Process(body, true)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid base64")
	})

	t.Run("signature mismatch", func(t *testing.T) {
		fake := base64.StdEncoding.EncodeToString([]byte("definitely not a png"))
		body := fmt.Sprintf(`<img src="data:image/png;base64,%s">`, fake)
		_, err := p.Process(body, true)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not match declared type image/png")
	})

	t.Run("disallowed subtype", func(t *testing.T) {
		payload := base64.StdEncoding.EncodeToString([]byte{0, 0, 1, 0})
		body := fmt.Sprintf(`<img src="data:image/x-icon;base64,%s">`, payload)
		_, err := p.Process(body, true)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported inline image type")
	})

	t.Run("oversize payload", func(t *testing.T) {
		big := make([]byte, maxInlineImageBytes+1)
		big[0], big[1] = 0xFF, 0xD8
		body := fmt.Sprintf(`<img src="data:image/jpeg;base64,%s">`, base64.StdEncoding.EncodeToString(big))
		_, err := p.Process(body, true)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "maximum")
	})

	t.Run("valid images before the invalid one are not emitted", func(t *testing.T) {
		body := fmt.Sprintf(
			`<img src="data:image/png;base64,%s"><img src="data:image/png;base64,AAAA=A">`,
			pngPayload)
		result, err := p.Process(body, true)
		require.Error(t, err)
		assert.Nil(t, result)
	})
}

func TestProcessPlainTextPassthrough(t *testing.T) {
	p := NewCIDProcessor()
	body := fmt.Sprintf("see data:image/png;base64,%s", pngPayload)

	result, err := p.Process(body, false)
	require.NoError(t, err)
	assert.Equal(t, body, result.Body)
	assert.Empty(t, result.Attachments)
}

func TestImageSignatureMatches(t *testing.T) {
	assert.True(t, imageSignatureMatches("png", []byte{0x89, 0x50, 0x4E, 0x47, 0}))
	assert.True(t, imageSignatureMatches("jpeg", []byte{0xFF, 0xD8, 0}))
	assert.True(t, imageSignatureMatches("gif", []byte("GIF89a")))
	assert.True(t, imageSignatureMatches("bmp", []byte("BMxxxx")))
	assert.True(t, imageSignatureMatches("webp", append([]byte("RIFF0000"), []byte("WEBPVP8 ")...)))
	assert.True(t, imageSignatureMatches("svg+xml", []byte("<svg/>")))

	assert.False(t, imageSignatureMatches("png", []byte("GIF89a")))
	assert.False(t, imageSignatureMatches("tiff", []byte{0x49, 0x49}))
}
