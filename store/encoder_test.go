package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEncodeDecodeSessionAndNotice(t *testing.T) {
	exp := time.Unix(1893456000, 123456789)
	in := &Record{
		Session: &Session{
			AccessToken:  strings.Repeat("a", 900),
			RefreshToken: "R1",
			ExpiresAt:    exp,
			StaleChecks:  2,
		},
		Notice: "Tu cuenta ha sido desactivada",
	}

	data, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if data[0] != recordFormatVersionCurrent {
		t.Fatalf("unexpected version byte %d", data[0])
	}

	out, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Session == nil {
		t.Fatal("expected session")
	}
	if out.Session.AccessToken != in.Session.AccessToken ||
		out.Session.RefreshToken != "R1" ||
		!out.Session.ExpiresAt.Equal(exp) ||
		out.Session.StaleChecks != 2 ||
		out.Notice != in.Notice {
		t.Fatalf("round trip mismatch: %+v", out.Session)
	}
}

func TestEncodeNoticeOnlyAndUnknownExpiry(t *testing.T) {
	data, err := Encode(&Record{Notice: "n"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Session != nil || out.Notice != "n" {
		t.Fatalf("unexpected record %+v", out)
	}

	data, err = Encode(&Record{Session: &Session{AccessToken: "A"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err = Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Session.ExpiresAt.IsZero() {
		t.Fatalf("unknown expiry must stay zero, got %v", out.Session.ExpiresAt)
	}
}

func TestDecodeV1Record(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(recordFormatVersionV1)
	buf.WriteByte(flagHasSession)
	for _, s := range []string{"A", "R"} {
		_ = binary.Write(&buf, binary.BigEndian, uint16(len(s)))
		buf.WriteString(s)
	}
	_ = binary.Write(&buf, binary.BigEndian, int64(0))
	_ = binary.Write(&buf, binary.BigEndian, uint16(0))

	out, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("decode v1: %v", err)
	}
	if out.Session == nil || out.Session.AccessToken != "A" || out.Session.StaleChecks != 0 {
		t.Fatalf("unexpected v1 record %+v", out.Session)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	valid, err := Encode(&Record{Session: &Session{AccessToken: "A", RefreshToken: "R"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	cases := map[string][]byte{
		"empty":       nil,
		"bad version": append([]byte{99}, valid[1:]...),
		"truncated":   valid[:len(valid)-1],
		"trailing":    append(append([]byte(nil), valid...), 0),
	}
	for name, data := range cases {
		if _, err := Decode(data); !errors.Is(err, ErrCorruptRecord) {
			t.Fatalf("%s: expected ErrCorruptRecord, got %v", name, err)
		}
	}
}

func TestEncodeRejectsOversizedToken(t *testing.T) {
	_, err := Encode(&Record{Session: &Session{AccessToken: strings.Repeat("x", 1<<16)}})
	if err == nil {
		t.Fatal("expected oversized token to be rejected")
	}
}
