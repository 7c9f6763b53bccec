package kasa

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"io"
	"testing"
	"testing/quick"

	"github.com/cockroachdb/errors"
)

func TestEncrypt_KnownVectors(t *testing.T) {
	cases := []struct {
		cmd  Command
		want string
	}{
		{Info, "d0f281f88bff9af7d5ef94b6d1b4c09fec95e68fe187e8caf08bf68bf6"},
		{CurrentData, "d0f297fa9feb8efcdee49fbddabfcb94e683e28efa93fe9bb983f885f885"},
	}
	for _, tc := range cases {
		t.Run(tc.cmd.String(), func(t *testing.T) {
			got := hex.EncodeToString(Encrypt([]byte(tc.cmd.Request())))
			if got != tc.want {
				t.Errorf("Encrypt(%s) = %s, want %s", tc.cmd, got, tc.want)
			}
		})
	}
}

func TestEncode_LengthPrefix(t *testing.T) {
	msg := Info.Request()
	framed := Encode(msg)
	if len(framed) != headerLen+len(msg) {
		t.Fatalf("len(Encode) = %d, want %d", len(framed), headerLen+len(msg))
	}
	if n := binary.BigEndian.Uint32(framed[:headerLen]); int(n) != len(msg) {
		t.Errorf("length prefix = %d, want %d", n, len(msg))
	}
	if !bytes.Equal(framed[headerLen:], Encrypt([]byte(msg))) {
		t.Error("payload after prefix should be Encrypt(plaintext)")
	}
}

func TestDecodeEncode_RoundTrip(t *testing.T) {
	for _, s := range []string{
		"",
		"a",
		Info.Request(),
		CurrentData.Request(),
		`{"system":{"set_relay_state":{"state":1}}}`,
	} {
		if got := Decode(Encode(s)[headerLen:]); got != s {
			t.Errorf("Decode(Encode(%q)) = %q", s, got)
		}
	}
}

func TestDecodeEncode_RoundTripASCII(t *testing.T) {
	roundTrip := func(b []byte) bool {
		for i := range b {
			b[i] &= 0x7f
		}
		s := string(b)
		return Decode(Encode(s)[headerLen:]) == s
	}
	if err := quick.Check(roundTrip, nil); err != nil {
		t.Error(err)
	}
}

func TestDecrypt_GarbageDoesNotPanic(t *testing.T) {
	out := Decrypt([]byte{0x00, 0xff, 0x10})
	if len(out) != 3 {
		t.Errorf("len(Decrypt) = %d, want 3", len(out))
	}
}

func TestReadFrame(t *testing.T) {
	msg := `{"ok":true}`
	payload, err := ReadFrame(bytes.NewReader(Encode(msg)))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got := Decode(payload); got != msg {
		t.Errorf("frame = %q, want %q", got, msg)
	}
}

// ReadFrame must reassemble a frame delivered in small pieces.
func TestReadFrame_SplitDelivery(t *testing.T) {
	msg := `{"emeter":{"get_realtime":{"voltage_mv":230000}}}`
	r := &oneByteReader{data: Encode(msg)}
	payload, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got := Decode(payload); got != msg {
		t.Errorf("frame = %q, want %q", got, msg)
	}
}

func TestReadFrame_ShortPayload(t *testing.T) {
	framed := Encode("truncated response")
	_, err := ReadFrame(bytes.NewReader(framed[:len(framed)-3]))
	if !errors.Is(err, ErrConnection) {
		t.Errorf("err = %v, want ErrConnection", err)
	}
}

func TestReadFrame_Empty(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	if !errors.Is(err, ErrConnection) {
		t.Errorf("err = %v, want ErrConnection", err)
	}
}

func TestReadFrame_Oversized(t *testing.T) {
	var header [headerLen]byte
	binary.BigEndian.PutUint32(header[:], maxFrameLen+1)
	_, err := ReadFrame(bytes.NewReader(header[:]))
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("err = %v, want ErrProtocol", err)
	}
}

type oneByteReader struct {
	data []byte
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}
