package transports

import (
	"bytes"
	"encoding/base64"
	"io"
	"math/rand"
	"strings"
	"testing"
	"testing/iotest"
)

// wrap76 reproduces the device base64 binary's line wrapping
func wrap76(s string) string {
	var b strings.Builder
	for len(s) > 76 {
		b.WriteString(s[:76])
		b.WriteByte('\n')
		s = s[76:]
	}
	b.WriteString(s)
	b.WriteByte('\n')
	return b.String()
}

func randomBytes(n int) []byte {
	rng := rand.New(rand.NewSource(int64(n)))
	data := make([]byte, n)
	rng.Read(data)
	return data
}

func TestBase64ReaderRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 3, 4, 4095, 4096, 4097} {
		payload := randomBytes(n)
		encoded := wrap76(base64.StdEncoding.EncodeToString(payload))

		r := newBase64Reader(io.NopCloser(strings.NewReader(encoded)), 1024)
		decoded, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		if !bytes.Equal(decoded, payload) {
			t.Errorf("n=%d: decoded output differs from payload", n)
		}
	}
}

func TestBase64ReaderChunkingIndependence(t *testing.T) {
	payload := randomBytes(4097)
	encoded := wrap76(base64.StdEncoding.EncodeToString(payload))

	whole, err := io.ReadAll(newBase64Reader(io.NopCloser(strings.NewReader(encoded)), 64*1024))
	if err != nil {
		t.Fatal(err)
	}

	// one encoded byte per underlying read: partial quanta cross every
	// read boundary
	bytewise, err := io.ReadAll(newBase64Reader(io.NopCloser(iotest.OneByteReader(strings.NewReader(encoded))), 64*1024))
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(whole, bytewise) {
		t.Error("decoder output depends on read chunking")
	}
	if !bytes.Equal(whole, payload) {
		t.Error("decoded output differs from payload")
	}
}

func TestBase64ReaderSmallDestination(t *testing.T) {
	payload := randomBytes(1000)
	encoded := wrap76(base64.StdEncoding.EncodeToString(payload))

	r := newBase64Reader(io.NopCloser(strings.NewReader(encoded)), 1024)
	var out []byte
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if !bytes.Equal(out, payload) {
		t.Error("decoded output differs from payload")
	}
}

func TestBase64ReaderCRLF(t *testing.T) {
	payload := randomBytes(300)
	encoded := base64.StdEncoding.EncodeToString(payload)

	// a channel that mangles line endings turns \n into \r\n
	var b strings.Builder
	for i, c := range []byte(encoded) {
		b.WriteByte(c)
		if i%60 == 59 {
			b.WriteString("\r\n")
		}
	}

	decoded, err := io.ReadAll(newBase64Reader(io.NopCloser(strings.NewReader(b.String())), 1024))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Error("decoded output differs from payload")
	}
}

func TestBase64ReaderTruncated(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString(randomBytes(100))
	truncated := encoded[:len(encoded)-3]

	_, err := io.ReadAll(newBase64Reader(io.NopCloser(strings.NewReader(truncated)), 1024))
	if err == nil {
		t.Error("truncated stream should not decode cleanly")
	}
}
