// Package attachments stores uploaded files in a date-sharded blob
// tree and handles the HTML side of entry content: sanitising,
// extracting inline images, and building thumbnails.
package attachments

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"
	"log/slog"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"
	xdraw "golang.org/x/image/draw"

	_ "image/gif"
	_ "image/png"

	"github.com/untoldecay/elogd/internal/types"
)

// ThumbnailSuffix is appended to an attachment path to address its
// thumbnail in the blob tree.
const ThumbnailSuffix = ".thumbnail"

// thumbnailSize bounds both thumbnail dimensions.
const thumbnailSize = 100

// Pipeline writes and reads attachment blobs. Paths handed out are
// relative to the upload root and safe to expose in URLs.
type Pipeline struct {
	fs     afero.Fs
	logger *slog.Logger
}

// NewPipeline stores blobs under root on the given filesystem.
func NewPipeline(fs afero.Fs, root string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		fs:     afero.NewBasePathFs(fs, root),
		logger: logger,
	}
}

// Save stores one file under YYYY/MM/DD/<epoch>-<filename> and returns
// the attachment metadata, ready for the database. Images get their
// pixel size recorded and a thumbnail built next to the blob; files
// that merely fail to decode as images are stored as-is.
func (p *Pipeline) Save(filename string, content []byte, ts time.Time, embedded bool) (*types.Attachment, error) {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	ts = ts.UTC()
	filename = sanitizeFilename(filename)

	dir := ts.Format("2006/01/02")
	blobPath := path.Join(dir, fmt.Sprintf("%d-%s", ts.Unix(), filename))

	if err := p.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create attachment directory: %w", err)
	}
	if err := afero.WriteFile(p.fs, blobPath, content, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write attachment: %w", err)
	}

	a := &types.Attachment{
		Filename:    filename,
		Timestamp:   ts,
		Path:        blobPath,
		ContentType: contentTypeFor(filename),
		Embedded:    embedded,
	}

	if img, _, err := image.Decode(bytes.NewReader(content)); err == nil {
		bounds := img.Bounds()
		a.Metadata = map[string]any{
			"size": map[string]any{
				"width":  bounds.Dx(),
				"height": bounds.Dy(),
			},
		}
		if thumb, err := p.writeThumbnail(blobPath, img, content); err != nil {
			// A missing thumbnail is cosmetic, keep the attachment.
			p.logger.Warn("failed to build thumbnail",
				"path", blobPath, "error", err)
		} else {
			a.Metadata["thumbnail_size"] = map[string]any{
				"width":  thumb.Dx(),
				"height": thumb.Dy(),
			}
		}
	}
	return a, nil
}

// Open returns the blob for an attachment path.
func (p *Pipeline) Open(blobPath string) (io.ReadCloser, error) {
	f, err := p.fs.Open(blobPath)
	if err != nil {
		return nil, fmt.Errorf("attachment blob %q: %w", blobPath, types.ErrNotFound)
	}
	return f, nil
}

// ReadAll returns the whole blob, as needed when exporting entries
// with embedded images.
func (p *Pipeline) ReadAll(blobPath string) ([]byte, error) {
	data, err := afero.ReadFile(p.fs, blobPath)
	if err != nil {
		return nil, fmt.Errorf("attachment blob %q: %w", blobPath, types.ErrNotFound)
	}
	return data, nil
}

// writeThumbnail stores a thumbnail next to the blob and returns its
// pixel bounds. An image that already fits is reused as its own
// thumbnail, a copy of the original bytes; larger ones are scaled down
// and re-encoded as JPEG, flattened on white since JPEG has no alpha.
func (p *Pipeline) writeThumbnail(blobPath string, img image.Image, original []byte) (image.Rectangle, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= thumbnailSize && h <= thumbnailSize {
		if err := afero.WriteFile(p.fs, blobPath+ThumbnailSuffix, original, 0o644); err != nil {
			return image.Rectangle{}, fmt.Errorf("failed to write thumbnail: %w", err)
		}
		return bounds, nil
	}

	scale := float64(thumbnailSize) / float64(w)
	if h > w {
		scale = float64(thumbnailSize) / float64(h)
	}
	scaled := image.NewRGBA(image.Rect(0, 0,
		max(1, int(float64(w)*scale)), max(1, int(float64(h)*scale))))
	xdraw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, bounds, draw.Over, nil)

	flattened := image.NewRGBA(scaled.Bounds())
	draw.Draw(flattened, flattened.Bounds(),
		image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(flattened, flattened.Bounds(), scaled, scaled.Bounds().Min, draw.Over)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flattened, &jpeg.Options{Quality: 75}); err != nil {
		return image.Rectangle{}, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	if err := afero.WriteFile(p.fs, blobPath+ThumbnailSuffix, buf.Bytes(), 0o644); err != nil {
		return image.Rectangle{}, fmt.Errorf("failed to write thumbnail: %w", err)
	}
	return flattened.Bounds(), nil
}

// sanitizeFilename strips path components and characters that would
// break the blob layout.
func sanitizeFilename(filename string) string {
	filename = path.Base(strings.ReplaceAll(filename, "\\", "/"))
	filename = strings.Map(func(r rune) rune {
		switch r {
		case '\x00', '\n', '\r', '?', '#', '%':
			return '_'
		}
		return r
	}, filename)
	if filename == "" || filename == "." || filename == ".." {
		return "unnamed"
	}
	return filename
}

func contentTypeFor(filename string) string {
	if ct := mime.TypeByExtension(path.Ext(filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
