// Package raw10 converts between the MIPI CSI-2 packed 10-bit Bayer layout
// (SBGGR10_CSI2P and friends) and plain 16-bit samples.
//
// Four pixels occupy five bytes: bytes 0-3 carry the 8 high-order bits of
// pixels 0-3 and byte 4 carries their 2 low-order bits, pixel 0 in bits 0-1,
// pixel 1 in bits 2-3, pixel 2 in bits 4-5 and pixel 3 in bits 6-7.
//
// A row whose width is not a multiple of 4 ends in a short group of 1-3
// data bytes followed by its low-bits byte.
package raw10

import (
	"errors"
	"fmt"
	"image"
	"strings"
)

// MaxValue is the largest 10-bit sample.
const MaxValue = 1023

// ErrShortBuffer is returned when a packed buffer is smaller than the
// geometry it is decoded with.
var ErrShortBuffer = errors.New("raw10: packed buffer shorter than geometry")

// Stride returns the number of packed bytes in one row of width pixels.
func Stride(width int) int {
	if width <= 0 {
		return 0
	}
	return (width*10 + 7) / 8
}

// FrameSize returns the packed size of a width x height frame.
func FrameSize(width, height int) int {
	if height <= 0 {
		return 0
	}
	return Stride(width) * height
}

// IsPacked reports whether a pixel format name denotes CSI-2 packed 10-bit
// data, e.g. "SBGGR10_CSI2P" or "SRGGB10P".
func IsPacked(format string) bool {
	f := strings.ToUpper(format)
	return strings.HasSuffix(f, "10_CSI2P") || (strings.HasPrefix(f, "S") && strings.HasSuffix(f, "10P"))
}

// Unpack expands a packed frame using the natural row stride.
func Unpack(packed []byte, width, height int) ([]uint16, error) {
	return UnpackStride(packed, width, height, Stride(width))
}

// UnpackStride expands a packed frame whose rows start stride bytes apart.
// Drivers that pad rows report a stride larger than Stride(width).
func UnpackStride(packed []byte, width, height, stride int) ([]uint16, error) {
	if width <= 0 || height <= 0 {
		return []uint16{}, nil
	}
	dst := make([]uint16, width*height)
	if err := UnpackInto(dst, packed, width, height, stride); err != nil {
		return nil, err
	}
	return dst, nil
}

// UnpackInto expands packed into dst, which must hold width*height samples.
func UnpackInto(dst []uint16, packed []byte, width, height, stride int) error {
	if width <= 0 || height <= 0 {
		return nil
	}
	if stride < Stride(width) {
		return fmt.Errorf("raw10: stride %d too small for width %d (need %d)", stride, width, Stride(width))
	}
	if len(dst) < width*height {
		return fmt.Errorf("raw10: destination holds %d samples, need %d", len(dst), width*height)
	}
	// The last row only needs its own packed bytes, not the padding after it.
	need := stride*(height-1) + Stride(width)
	if len(packed) < need {
		return fmt.Errorf("%w: have %d bytes, %dx%d stride %d needs %d",
			ErrShortBuffer, len(packed), width, height, stride, need)
	}

	for y := 0; y < height; y++ {
		unpackRow(dst[y*width:(y+1)*width], packed[y*stride:y*stride+Stride(width)])
	}
	return nil
}

func unpackRow(dst []uint16, src []byte) {
	width := len(dst)
	col := 0
	for ; col+3 < width; col += 4 {
		b4 := src[4]
		dst[col] = uint16(src[0])<<2 | uint16(b4&0x3)
		dst[col+1] = uint16(src[1])<<2 | uint16((b4>>2)&0x3)
		dst[col+2] = uint16(src[2])<<2 | uint16((b4>>4)&0x3)
		dst[col+3] = uint16(src[3])<<2 | uint16((b4>>6)&0x3)
		src = src[5:]
	}

	rem := width - col
	if rem == 0 {
		return
	}
	// Short group: data bytes go to the front of the scratch group and the
	// trailing low-bits byte, when the row carries one, to its last position.
	var b [5]byte
	copy(b[:rem], src)
	if len(src) > rem {
		b[4] = src[rem]
	}
	for i := 0; i < rem; i++ {
		dst[col+i] = uint16(b[i])<<2 | uint16((b[4]>>(2*i))&0x3)
	}
}

// Pack is the inverse of Unpack. Samples above MaxValue are truncated to
// their low 10 bits.
func Pack(samples []uint16, width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return []byte{}, nil
	}
	dst := make([]byte, FrameSize(width, height))
	if err := PackInto(dst, samples, width, height, Stride(width)); err != nil {
		return nil, err
	}
	return dst, nil
}

// PackInto packs width*height samples into dst using the given row stride.
// Padding bytes between rows are left untouched.
func PackInto(dst []byte, samples []uint16, width, height, stride int) error {
	if width <= 0 || height <= 0 {
		return nil
	}
	if stride < Stride(width) {
		return fmt.Errorf("raw10: stride %d too small for width %d (need %d)", stride, width, Stride(width))
	}
	if len(samples) < width*height {
		return fmt.Errorf("raw10: have %d samples, need %d", len(samples), width*height)
	}
	if need := stride*(height-1) + Stride(width); len(dst) < need {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrShortBuffer, len(dst), need)
	}

	for y := 0; y < height; y++ {
		packRow(dst[y*stride:y*stride+Stride(width)], samples[y*width:(y+1)*width])
	}
	return nil
}

func packRow(dst []byte, src []uint16) {
	for i := range dst {
		dst[i] = 0
	}
	for g := 0; g*4 < len(src); g++ {
		group := src[g*4:]
		n := min(len(group), 4)
		out := dst[g*5:]
		var low byte
		for i := 0; i < n; i++ {
			v := group[i] & MaxValue
			out[i] = byte(v >> 2)
			low |= byte(v&0x3) << (2 * i)
		}
		out[n] = low
	}
}

// ToGray16 wraps an unpacked frame in an image.Gray16. With leftJustify the
// 10 significant bits are moved to the top of each 16-bit sample so viewers
// show the full range; otherwise values are stored as-is (0..MaxValue).
func ToGray16(samples []uint16, width, height int, leftJustify bool) (*image.Gray16, error) {
	if len(samples) < width*height {
		return nil, fmt.Errorf("raw10: have %d samples, need %d", len(samples), width*height)
	}
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for i, v := range samples[:width*height] {
		if leftJustify {
			v <<= 6
		}
		img.Pix[2*i] = byte(v >> 8)
		img.Pix[2*i+1] = byte(v)
	}
	return img, nil
}
