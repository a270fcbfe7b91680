package degrade

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
)

// Placeholder media defaults.
const (
	DefaultImageWidth  = 64
	DefaultImageHeight = 36
	DefaultSampleRate  = 16000
)

var placeholderColor = color.RGBA{R: 16, G: 16, B: 24, A: 255}

// WriteImage writes a solid dark PNG of w x h pixels to path.
func WriteImage(path string, w, h int) error {
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, placeholderColor)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}
	return writeFile(path, buf.Bytes())
}

// WriteSilence writes a mono 16-bit PCM WAV of the given length to path.
func WriteSilence(path string, seconds float64, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if seconds <= 0 {
		seconds = 1
	}
	const (
		channels      = 1
		bitsPerSample = 16
	)
	samples := int(seconds * float64(sampleRate))
	dataSize := samples * channels * bitsPerSample / 8

	var buf bytes.Buffer
	buf.Grow(44 + dataSize)
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*channels*bitsPerSample/8))
	binary.Write(&buf, binary.LittleEndian, uint16(channels*bitsPerSample/8))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataSize))
	buf.Write(make([]byte, dataSize))
	return writeFile(path, buf.Bytes())
}

// ImagePlaceholder returns a Placeholder writing a PNG to path.
func ImagePlaceholder(path string, w, h int) Placeholder {
	return func() (string, error) {
		return path, WriteImage(path, w, h)
	}
}

// AudioPlaceholder returns a Placeholder writing seconds of silence to path.
func AudioPlaceholder(path string, seconds float64) Placeholder {
	return func() (string, error) {
		return path, WriteSilence(path, seconds, DefaultSampleRate)
	}
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
