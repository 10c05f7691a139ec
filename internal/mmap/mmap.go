// Package mmap provides page-aligned anonymous memory regions used as
// frame buffers. On unix systems the regions come straight from mmap so
// they behave like driver-exported DMA buffers: fixed address, fixed size,
// released explicitly.
package mmap

import "errors"

// ErrInvalidSize is returned for non-positive region sizes.
var ErrInvalidSize = errors.New("mmap: region size must be positive")
