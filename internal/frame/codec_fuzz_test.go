package frame

import "testing"

// FuzzOpen ensures Open never panics on arbitrary input, mirroring the
// teacher's codec_fuzz_test.go shape.
func FuzzOpen(f *testing.F) {
	key := testKey()
	var c Codec
	sealed, _ := c.Seal(key, Header{Src: SourceClient, Addr: 3, Port: 1}, []byte("seed"))
	f.Add(sealed)
	f.Add([]byte{})
	f.Add([]byte{0, 0, 0, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = c.Open(data, lookupFor(3, key))
	})
}
