package services

import (
	"bytes"
	"image"
	"image/color"

	// Decoders registered for image.DecodeConfig.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"

	"imgvector/models"
)

// MetadataExtractor derives descriptive attributes from raw image bytes.
// Extraction is best-effort: decode failures produce a fallback record with an
// explanatory note instead of an error, so the caller's pipeline never aborts.
type MetadataExtractor struct{}

// NewMetadataExtractor creates an extractor.
func NewMetadataExtractor() *MetadataExtractor {
	return &MetadataExtractor{}
}

// Extract returns format, color mode, dimensions, a transparency flag, and a
// restricted EXIF map for the given image content.
func (e *MetadataExtractor) Extract(content []byte) models.JSONMap {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(content))
	if err != nil {
		return models.JSONMap{
			"format":           "unknown",
			"mode":             "unknown",
			"width":            0,
			"height":           0,
			"has_transparency": false,
			"extraction_error": err.Error(),
		}
	}

	mode := colorMode(cfg.ColorModel)
	meta := models.JSONMap{
		"format":           format,
		"mode":             mode,
		"width":            cfg.Width,
		"height":           cfg.Height,
		"has_transparency": supportsTransparency(cfg.ColorModel),
	}

	if exifData := extractEXIF(content); len(exifData) > 0 {
		meta["exif"] = exifData
	}
	return meta
}

// colorMode names the decoded color model, roughly following the conventions
// image libraries use (RGBA, L for grayscale, P for paletted).
func colorMode(m color.Model) string {
	switch m {
	case color.RGBAModel, color.RGBA64Model:
		return "RGBA"
	case color.NRGBAModel, color.NRGBA64Model:
		return "NRGBA"
	case color.GrayModel, color.Gray16Model:
		return "L"
	case color.AlphaModel, color.Alpha16Model:
		return "A"
	case color.YCbCrModel:
		return "YCbCr"
	case color.NYCbCrAModel:
		return "NYCbCrA"
	case color.CMYKModel:
		return "CMYK"
	}
	if _, ok := m.(color.Palette); ok {
		return "P"
	}
	return "unknown"
}

// supportsTransparency reports whether the color model carries an alpha
// channel, or, for paletted images, whether any palette entry is translucent.
func supportsTransparency(m color.Model) bool {
	switch m {
	case color.RGBAModel, color.RGBA64Model,
		color.NRGBAModel, color.NRGBA64Model,
		color.AlphaModel, color.Alpha16Model,
		color.NYCbCrAModel:
		return true
	}
	if p, ok := m.(color.Palette); ok {
		for _, c := range p {
			if _, _, _, a := c.RGBA(); a < 0xffff {
				return true
			}
		}
	}
	return false
}

// extractEXIF pulls EXIF tags from the content, keeping only primitive values.
// Non-primitive values (undefined byte blobs, maker notes) are dropped rather
// than stringified. Returns nil when no EXIF segment is present.
func extractEXIF(content []byte) map[string]any {
	x, err := exif.Decode(bytes.NewReader(content))
	if err != nil {
		return nil
	}

	w := &exifWalker{fields: map[string]any{}}
	if err := x.Walk(w); err != nil {
		return nil
	}
	return w.fields
}

type exifWalker struct {
	fields map[string]any
}

func (w *exifWalker) Walk(name exif.FieldName, tag *tiff.Tag) error {
	switch tag.Format() {
	case tiff.StringVal:
		if s, err := tag.StringVal(); err == nil {
			w.fields[string(name)] = s
		}
	case tiff.IntVal:
		if v, err := tag.Int64(0); err == nil {
			w.fields[string(name)] = v
		}
	case tiff.FloatVal:
		if v, err := tag.Float(0); err == nil {
			w.fields[string(name)] = v
		}
	case tiff.RatVal:
		if num, den, err := tag.Rat2(0); err == nil && den != 0 {
			w.fields[string(name)] = float64(num) / float64(den)
		}
	}
	return nil
}
