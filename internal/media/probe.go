// Package media provides image probing and thumbnail generation for
// ingested files.
package media

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	apperrors "github.com/kimhsiao/pixmirror/internal/errors"
	"github.com/kimhsiao/pixmirror/internal/models"
)

// Info holds everything probing learns about a file.
type Info struct {
	Width     int
	Height    int
	Format    string
	MIMEType  string
	Hash      string
	FileSize  int64
	Corrupted bool
	PageCount int
	PageDims  []models.PageDimension
}

// Probe reads the entire stream, hashes it, sniffs the MIME type and
// decodes the image header. Files that sniff as an image but fail to
// decode are reported as corrupted rather than rejected; the caller
// decides whether to keep them.
func Probe(r io.Reader) (*Info, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrImageInvalid, "failed to read image data", err)
	}
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.ErrImageInvalid, "empty image data")
	}

	sum := sha256.Sum256(data)
	mtype := mimetype.Detect(data)

	info := &Info{
		MIMEType:  mtype.String(),
		Hash:      hex.EncodeToString(sum[:]),
		FileSize:  int64(len(data)),
		PageCount: 1,
	}

	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, apperrors.New(apperrors.ErrImageInvalid,
			"unsupported media type: "+mtype.String())
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		// Recognized as an image by signature but undecodable: keep it
		// with the corrupted flag so sync still mirrors the record.
		info.Corrupted = true
		info.Format = formatFromMIME(mtype.String())
		return info, nil
	}

	info.Width = cfg.Width
	info.Height = cfg.Height
	info.Format = format
	// Per-page dimensions stay empty for single-page formats; the
	// top-level width and height already describe the only page.
	return info, nil
}

// Thumbnail decodes the stream and returns a copy scaled to fit within
// width x height, preserving aspect ratio.
func Thumbnail(r io.Reader, width, height int) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrImageInvalid, "failed to decode image", err)
	}
	return imaging.Fit(img, width, height, imaging.Lanczos), nil
}

// formatFromMIME maps a sniffed image MIME type to a short format name
// for records whose pixel data never decoded.
func formatFromMIME(mime string) string {
	format := strings.TrimPrefix(mime, "image/")
	if i := strings.IndexByte(format, ';'); i >= 0 {
		format = format[:i]
	}
	if format == "jpg" {
		return "jpeg"
	}
	return format
}
