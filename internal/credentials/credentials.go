// Package credentials defines the persisted Wi-Fi credential record and its
// fixed-width on-flash layout: ssid[32] followed by password[64], NUL padded.
package credentials

import (
	"bytes"
	"fmt"
	"unicode/utf8"
)

// Field widths of the stored record. One byte of each field is reserved for
// the NUL terminator.
const (
	SSIDField     = 32
	PasswordField = 64
	Size          = SSIDField + PasswordField

	MaxSSID     = SSIDField - 1
	MaxPassword = PasswordField - 1
)

// Record is a saved network. An empty SSID means no credentials are stored.
type Record struct {
	SSID     string
	Password string
}

// New returns a record with both values truncated to their field widths. A
// cut never splits a multi-byte character.
func New(ssid, password string) Record {
	return Record{SSID: truncate(ssid, MaxSSID), Password: truncate(password, MaxPassword)}
}

// Empty reports whether the record carries no SSID.
func (r Record) Empty() bool { return r.SSID == "" }

// MarshalBinary encodes the record into its fixed 96-byte layout. Values that
// do not fit are truncated.
func (r Record) MarshalBinary() ([]byte, error) {
	buf := make([]byte, Size)
	copy(buf[:MaxSSID], r.SSID)
	copy(buf[SSIDField:SSIDField+MaxPassword], r.Password)
	return buf, nil
}

// UnmarshalBinary decodes a 96-byte image. Each field ends at its first NUL or
// at the field boundary.
func (r *Record) UnmarshalBinary(data []byte) error {
	if len(data) < Size {
		return fmt.Errorf("credentials: image is %d bytes, want %d", len(data), Size)
	}
	r.SSID = cstring(data[:SSIDField])
	r.Password = cstring(data[SSIDField:Size])
	return nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
