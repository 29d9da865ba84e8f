package capture

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"

	"github.com/cjeanneret/BlotCam/internal/session"
	"golang.org/x/image/tiff"
)

// Content types per format.
const (
	ContentTypeTIFF = "image/tiff"
	ContentTypeRaw  = "application/octet-stream"
)

// Encode renders a frame. raw is little-endian uint16 samples in row order;
// tif is an uncompressed 16-bit grayscale TIFF.
func Encode(frame session.FrameBuffer, format Format) ([]byte, string, error) {
	if len(frame.Pixels) != frame.Width*frame.Height {
		return nil, "", fmt.Errorf("frame has %d samples, expected %dx%d", len(frame.Pixels), frame.Width, frame.Height)
	}
	switch format {
	case FormatRaw:
		return encodeRaw(frame), ContentTypeRaw, nil
	case FormatTIFF:
		data, err := encodeTIFF(frame)
		if err != nil {
			return nil, "", fmt.Errorf("encode tiff: %w", err)
		}
		return data, ContentTypeTIFF, nil
	default:
		return nil, "", fmt.Errorf("unsupported format %q", format)
	}
}

func encodeRaw(frame session.FrameBuffer) []byte {
	out := make([]byte, 2*len(frame.Pixels))
	for i, v := range frame.Pixels {
		binary.LittleEndian.PutUint16(out[2*i:], v)
	}
	return out
}

func encodeTIFF(frame session.FrameBuffer) ([]byte, error) {
	img := image.NewGray16(image.Rect(0, 0, frame.Width, frame.Height))
	// Gray16 stores big-endian samples
	for i, v := range frame.Pixels {
		binary.BigEndian.PutUint16(img.Pix[2*i:], v)
	}
	var buf bytes.Buffer
	if err := tiff.Encode(&buf, img, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
