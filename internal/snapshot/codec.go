// Package snapshot encodes bootstrap row pages into content-addressed,
// compressed chunks and caches them so identical page requests hit the same
// chunk.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"rowsync/internal/syncerr"
)

// Wire identifiers of the chunk payload format.
const (
	Encoding    = "json-row-frame-v1"
	Compression = "gzip"
)

// frameMagic opens every payload.
var frameMagic = []byte("SRF1")

// maxFrameLen caps a single row frame at 2^32-1 bytes.
const maxFrameLen = 1<<32 - 1

// EncodeRows frames rows as length-prefixed UTF-8 JSON and gzips the whole
// payload. JSON null serializes as "null"; a zero-length frame is legal.
func EncodeRows(rows []any) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)

	if _, err := zw.Write(frameMagic); err != nil {
		return nil, fmt.Errorf("write snapshot magic: %w", err)
	}

	var lenBuf [4]byte
	for i, row := range rows {
		rowJSON, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("marshal snapshot row %d: %w", i, err)
		}
		if len(rowJSON) > maxFrameLen {
			return nil, syncerr.New(syncerr.CodeSnapshotRowTooLarge,
				"snapshot row %d is %d bytes, limit %d", i, len(rowJSON), maxFrameLen)
		}
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(rowJSON)))
		if _, err := zw.Write(lenBuf[:]); err != nil {
			return nil, fmt.Errorf("write snapshot frame length: %w", err)
		}
		if _, err := zw.Write(rowJSON); err != nil {
			return nil, fmt.Errorf("write snapshot frame: %w", err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish snapshot payload: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRows reverses EncodeRows.
func DecodeRows(payload []byte) ([]any, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeSnapshotFormatError, err, "snapshot payload is not gzip")
	}
	defer zr.Close()

	magic := make([]byte, len(frameMagic))
	if _, err := io.ReadFull(zr, magic); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeSnapshotFormatError, err, "snapshot payload truncated before magic")
	}
	if !bytes.Equal(magic, frameMagic) {
		return nil, syncerr.New(syncerr.CodeSnapshotFormatError, "bad snapshot magic %q", magic)
	}

	rows := make([]any, 0)
	var lenBuf [4]byte
	for {
		_, err := io.ReadFull(zr, lenBuf[:])
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, syncerr.Wrap(syncerr.CodeSnapshotFormatError, err, "snapshot payload truncated in frame length")
		}

		frameLen := binary.BigEndian.Uint32(lenBuf[:])
		if frameLen == 0 {
			// Zero-length frames are legal and decode as null.
			rows = append(rows, nil)
			continue
		}
		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(zr, frame); err != nil {
			return nil, syncerr.Wrap(syncerr.CodeSnapshotFormatError, err, "snapshot payload truncated in frame body")
		}

		var row any
		if err := json.Unmarshal(frame, &row); err != nil {
			return nil, syncerr.Wrap(syncerr.CodeSnapshotFormatError, err, "snapshot frame is not valid JSON")
		}
		rows = append(rows, row)
	}
}
