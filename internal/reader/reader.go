// Package reader performs incremental, byte-accurate reads of append-only
// transcript files. Given a remembered offset it returns exactly the new
// complete lines; a trailing partial line is never emitted and never counted
// as consumed, so it is retried on the next change event.
package reader

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Defaults. All are tunable through config.
const (
	DefaultChunkSize    = 64 * 1024
	DefaultMaxLines     = 10000
	DefaultMaxLineBytes = 10 * 1024 * 1024 // base64 images inflate single lines
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Result is the outcome of one incremental read.
type Result struct {
	// Lines holds the complete new lines, without trailing newline bytes.
	// Blank lines are omitted but their bytes still count as consumed.
	Lines [][]byte

	// BytesConsumed is the exact byte length of the complete lines (newline
	// included, plus a leading BOM on a first read). The caller advances
	// its stored offset by exactly this amount.
	BytesConsumed int64

	// More is true when the per-call line cap stopped the read early;
	// a follow-up read picks up the rest.
	More bool

	// LinesDropped counts complete lines over the per-line byte cap. Their
	// bytes are consumed and discarded so one pathological line never
	// blocks the rest of the file; a trailing over-cap line without its
	// newline yet is held back like any other partial line.
	LinesDropped int
}

// Reader reads transcript files in bounded chunks.
type Reader struct {
	chunkSize    int
	maxLines     int
	maxLineBytes int
}

// New returns a Reader. Zero or negative arguments fall back to defaults.
func New(chunkSize, maxLines, maxLineBytes int) *Reader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	return &Reader{chunkSize: chunkSize, maxLines: maxLines, maxLineBytes: maxLineBytes}
}

// ReadNew returns the complete lines appended since fromOffset. Reading is
// capped at the file size observed on entry so content still being written
// behind the current event is left for the next one.
func (r *Reader) ReadNew(path string, fromOffset int64) (*Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	size := info.Size()
	if size <= fromOffset {
		return &Result{}, nil
	}

	if _, err := file.Seek(fromOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s: %w", path, err)
	}

	result := &Result{}
	limited := io.LimitReader(file, size-fromOffset)

	// First read of a file: tolerate and consume a UTF-8 byte-order mark.
	if fromOffset == 0 {
		head := make([]byte, len(utf8BOM))
		n, err := io.ReadFull(limited, head)
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if n == len(utf8BOM) && bytes.Equal(head, utf8BOM) {
			result.BytesConsumed += int64(len(utf8BOM))
		} else {
			limited = io.MultiReader(bytes.NewReader(head[:n]), limited)
		}
	}

	chunk := make([]byte, r.chunkSize)
	var pending []byte // bytes after the last newline seen so far
	var skipping bool  // inside an oversized line, discarding until its newline
	var skipped int64  // discarded bytes of the current oversized line

	for len(result.Lines) < r.maxLines {
		n, readErr := limited.Read(chunk)
		if n > 0 {
			data := chunk[:n]
			if skipping {
				idx := bytes.IndexByte(data, '\n')
				if idx < 0 {
					skipped += int64(n)
					data = nil
				} else {
					// The oversized line is complete: consume it exactly
					// once and move on to the bytes behind it.
					result.BytesConsumed += skipped + int64(idx+1)
					result.LinesDropped++
					skipping = false
					skipped = 0
					data = data[idx+1:]
				}
			}
			if len(data) > 0 {
				pending = append(pending, data...)

				for len(result.Lines) < r.maxLines {
					idx := bytes.IndexByte(pending, '\n')
					if idx < 0 {
						break
					}
					line := pending[:idx]
					pending = pending[idx+1:]
					result.BytesConsumed += int64(idx + 1)

					if idx > r.maxLineBytes {
						result.LinesDropped++
						continue
					}
					line = bytes.TrimSuffix(line, []byte{'\r'})
					if len(line) > 0 {
						result.Lines = append(result.Lines, append([]byte(nil), line...))
					}
				}

				// Still no newline and already over the cap: stop buffering
				// and discard until the line terminator shows up.
				if len(pending) > r.maxLineBytes {
					skipping = true
					skipped = int64(len(pending))
					pending = nil
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return result, fmt.Errorf("read %s: %w", path, readErr)
		}
	}

	// Stopped on the line cap with data still unread.
	if len(result.Lines) >= r.maxLines && fromOffset+result.BytesConsumed < size {
		result.More = true
	}

	return result, nil
}
