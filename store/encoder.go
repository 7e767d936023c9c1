package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

const (
	recordFormatVersionCurrent = 2
	recordFormatVersionV1      = 1
)

const (
	flagHasSession byte = 1 << iota
)

// Encode serializes rec in the compact binary record format.
//
// Layout (v2): version, flags, access, refresh, expires (unix nanos, 0 unknown),
// stale checks, notice. Strings are prefixed with a big-endian uint16 length.
// v1 records lack the stale-check byte.
func Encode(rec *Record) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(recordFormatVersionCurrent)

	var flags byte
	var sess Session
	if rec.Session != nil {
		flags |= flagHasSession
		sess = *rec.Session
	}
	buf.WriteByte(flags)

	if err := writeString(&buf, sess.AccessToken, "access token"); err != nil {
		return nil, err
	}
	if err := writeString(&buf, sess.RefreshToken, "refresh token"); err != nil {
		return nil, err
	}

	var expires int64
	if !sess.ExpiresAt.IsZero() {
		expires = sess.ExpiresAt.UnixNano()
	}
	if err := binary.Write(&buf, binary.BigEndian, expires); err != nil {
		return nil, err
	}
	buf.WriteByte(sess.StaleChecks)

	if err := writeString(&buf, rec.Notice, "notice"); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decode parses a record produced by Encode. Errors wrap ErrCorruptRecord.
func Decode(data []byte) (*Record, error) {
	rec, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	return rec, nil
}

func decode(data []byte) (*Record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != recordFormatVersionCurrent && version != recordFormatVersionV1 {
		return nil, errors.New("invalid record version")
	}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	access, err := readString(reader)
	if err != nil {
		return nil, err
	}
	refresh, err := readString(reader)
	if err != nil {
		return nil, err
	}

	var expires int64
	if err := binary.Read(reader, binary.BigEndian, &expires); err != nil {
		return nil, err
	}

	var stale uint8
	if version == recordFormatVersionCurrent {
		stale, err = reader.ReadByte()
		if err != nil {
			return nil, err
		}
	}

	notice, err := readString(reader)
	if err != nil {
		return nil, err
	}
	if reader.Len() != 0 {
		return nil, errors.New("trailing bytes")
	}

	rec := &Record{Notice: notice}
	if flags&flagHasSession != 0 {
		if access == "" {
			return nil, errors.New("session without access token")
		}
		rec.Session = &Session{
			AccessToken:  access,
			RefreshToken: refresh,
			StaleChecks:  stale,
		}
		if expires != 0 {
			rec.Session.ExpiresAt = time.Unix(0, expires)
		}
	}
	return rec, nil
}

func writeString(buf *bytes.Buffer, s, field string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("%s too long", field)
	}
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if int(n) > r.Len() {
		return "", io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
