package snapshot

import (
	"reflect"
	"testing"

	"rowsync/internal/syncerr"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		rows []any
	}{
		{"empty", []any{}},
		{"single object", []any{map[string]any{"id": "t1", "title": "A"}}},
		{"null row", []any{nil}},
		{"mixed", []any{
			map[string]any{"id": "t1", "n": float64(3)},
			[]any{"a", "b"},
			"bare string",
			nil,
			float64(42),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := EncodeRows(tc.rows)
			if err != nil {
				t.Fatalf("EncodeRows: %v", err)
			}
			got, err := DecodeRows(payload)
			if err != nil {
				t.Fatalf("DecodeRows: %v", err)
			}
			if !reflect.DeepEqual(got, tc.rows) {
				t.Errorf("round trip: got %#v, want %#v", got, tc.rows)
			}
		})
	}
}

func TestEncodeDeterministic(t *testing.T) {
	rows := []any{map[string]any{"id": "t1"}, map[string]any{"id": "t2"}}
	a, err := EncodeRows(rows)
	if err != nil {
		t.Fatal(err)
	}
	b, err := EncodeRows(rows)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("identical rows encoded to different payloads")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := DecodeRows([]byte("not gzip at all")); !syncerr.IsCode(err, syncerr.CodeSnapshotFormatError) {
		t.Errorf("expected SNAPSHOT_FORMAT_ERROR, got %v", err)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	payload, err := EncodeRows([]any{map[string]any{"id": "x"}})
	if err != nil {
		t.Fatal(err)
	}
	rows, err := DecodeRows(payload)
	if err != nil || len(rows) != 1 {
		t.Fatalf("sanity: %v", err)
	}

	// Re-gzip with a corrupted magic.
	bad := gzipBytes(t, append([]byte("XXXX"), []byte("junk")...))
	if _, err := DecodeRows(bad); !syncerr.IsCode(err, syncerr.CodeSnapshotFormatError) {
		t.Errorf("expected SNAPSHOT_FORMAT_ERROR, got %v", err)
	}
}

func TestDecodeTruncatedFrame(t *testing.T) {
	// Magic, then a frame length claiming 100 bytes with nothing behind it.
	raw := append([]byte("SRF1"), 0, 0, 0, 100)
	if _, err := DecodeRows(gzipBytes(t, raw)); !syncerr.IsCode(err, syncerr.CodeSnapshotFormatError) {
		t.Errorf("expected SNAPSHOT_FORMAT_ERROR, got %v", err)
	}
}

func TestDecodeZeroLengthFrame(t *testing.T) {
	raw := append([]byte("SRF1"), 0, 0, 0, 0)
	rows, err := DecodeRows(gzipBytes(t, raw))
	if err != nil {
		t.Fatalf("DecodeRows: %v", err)
	}
	if len(rows) != 1 || rows[0] != nil {
		t.Errorf("zero-length frame: got %#v, want [nil]", rows)
	}
}
