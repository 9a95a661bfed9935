package regio

const hexd = "0123456789ABCDEF"

// hex2 formats a byte as two upper-case hex digits without pulling fmt into
// the error path.
func hex2(v byte) string {
	return string([]byte{hexd[v>>4], hexd[v&0x0F]})
}

// BytesToHex renders a raw frame as upper-case hex for error messages.
func BytesToHex(b []byte) string {
	out := make([]byte, 0, len(b)*2)
	for _, x := range b {
		out = append(out, hexd[x>>4], hexd[x&0x0F])
	}
	return string(out)
}
