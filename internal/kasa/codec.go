// Package kasa speaks the local TP-Link Kasa smart-plug protocol: a JSON
// request obfuscated with a running-XOR stream, framed over TCP with a
// 4-byte big-endian length prefix.
package kasa

import (
	"encoding/binary"
	"io"
)

// initialKey seeds the XOR stream for both directions.
const initialKey byte = 171

// headerLen is the size of the big-endian length prefix on TCP frames.
const headerLen = 4

// maxFrameLen bounds the payload we are willing to buffer from a device.
// Real responses are a few kilobytes at most.
const maxFrameLen = 64 << 10

// Encrypt obfuscates plaintext. The key starts at initialKey and after every
// byte becomes the ciphertext byte just produced.
func Encrypt(plaintext []byte) []byte {
	out := make([]byte, len(plaintext))
	key := initialKey
	for i, p := range plaintext {
		key ^= p
		out[i] = key
	}
	return out
}

// Decrypt reverses Encrypt. The key starts at initialKey and after every
// byte becomes the ciphertext byte just consumed. Malformed input is not
// detected; it simply decrypts to garbage.
func Decrypt(ciphertext []byte) []byte {
	out := make([]byte, len(ciphertext))
	key := initialKey
	for i, c := range ciphertext {
		out[i] = key ^ c
		key = c
	}
	return out
}

// Encode frames plaintext for the TCP transport: length prefix followed by
// the encrypted payload.
func Encode(plaintext string) []byte {
	buf := make([]byte, headerLen, headerLen+len(plaintext))
	binary.BigEndian.PutUint32(buf, uint32(len(plaintext)))
	return append(buf, Encrypt([]byte(plaintext))...)
}

// Decode decrypts a TCP payload whose length prefix has already been
// stripped (see ReadFrame).
func Decode(ciphertext []byte) string {
	return string(Decrypt(ciphertext))
}

// ReadFrame reads one length-prefixed frame from r and returns the still
// encrypted payload. A short read is a connection error; a length above
// maxFrameLen is a protocol error.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, connectionError(err, "reading frame header")
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameLen {
		return nil, protocolError("frame length %d exceeds limit %d", n, maxFrameLen)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, connectionError(err, "reading %d byte frame", n)
	}
	return payload, nil
}
