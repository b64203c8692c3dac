package lpsession

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Control-channel message type tags. Every control frame is
// u32-be length || type (u8) || body, read off the TCP connection by
// readControlFrame and written by writeControlFrame.
const (
	msgClientHello     byte = 0x01
	msgServerHello     byte = 0x02
	msgClientFinish    byte = 0x03
	msgHandshakeDone   byte = 0x04
	msgRegisterRequest byte = 0x05
	msgRegisterResp    byte = 0x06
	msgSubsessionInit  byte = 0x07
	msgSubsessionResp  byte = 0x08
	msgClose           byte = 0x09
)

// maxControlFrameBytes bounds a single control message to guard against a
// malicious length prefix driving an unbounded allocation.
const maxControlFrameBytes = 64 * 1024

// ErrShortControlFrame indicates a control frame too small to contain its
// type tag.
var ErrShortControlFrame = errors.New("lpsession: control frame shorter than header")

// ErrControlFrameTooLarge indicates a control frame's declared length
// exceeds maxControlFrameBytes.
var ErrControlFrameTooLarge = errors.New("lpsession: control frame exceeds maximum size")

// ErrUnexpectedControlMsg indicates a control frame's type tag did not
// match what the handshake step expected.
var ErrUnexpectedControlMsg = errors.New("lpsession: unexpected control message type")

// readControlFrame reads one length-prefixed control frame and splits off
// its type tag.
func readControlFrame(r *bufio.Reader) (byte, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, nil, ErrShortControlFrame
	}
	if n > maxControlFrameBytes {
		return 0, nil, ErrControlFrameTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}

	return body[0], body[1:], nil
}

// writeControlFrame writes one length-prefixed control frame.
func writeControlFrame(w io.Writer, msgType byte, payload []byte) error {
	frame := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(1+len(payload)))
	frame[4] = msgType
	copy(frame[5:], payload)
	_, err := w.Write(frame)
	return err
}

// encodeClientHello serializes a ClientHello: protocol_version (4, BE) ||
// client_id_key (32) || ephemeral (32).
func encodeClientHello(h ClientHello) []byte {
	out := make([]byte, 68)
	binary.BigEndian.PutUint32(out[0:4], h.ProtocolVersion)
	copy(out[4:36], h.ClientIDKey)
	copy(out[36:68], h.Ephemeral[:])
	return out
}

func decodeClientHello(body []byte) (ClientHello, error) {
	if len(body) != 68 {
		return ClientHello{}, fmt.Errorf("%w: client hello wrong size %d", ErrShortControlFrame, len(body))
	}
	var h ClientHello
	h.ProtocolVersion = binary.BigEndian.Uint32(body[0:4])
	h.ClientIDKey = append([]byte(nil), body[4:36]...)
	copy(h.Ephemeral[:], body[36:68])
	return h, nil
}

// encodeServerHello serializes a ServerHello: negotiated_version (4, BE) ||
// ephemeral (32) || ciphertext.
func encodeServerHello(h ServerHello) []byte {
	out := make([]byte, 4+32+len(h.Ciphertext))
	binary.BigEndian.PutUint32(out[0:4], h.NegotiatedVersion)
	copy(out[4:36], h.Ephemeral[:])
	copy(out[36:], h.Ciphertext)
	return out
}

func decodeServerHello(body []byte) (ServerHello, error) {
	if len(body) < 36 {
		return ServerHello{}, fmt.Errorf("%w: server hello too short", ErrShortControlFrame)
	}
	var h ServerHello
	h.NegotiatedVersion = binary.BigEndian.Uint32(body[0:4])
	copy(h.Ephemeral[:], body[4:36])
	h.Ciphertext = append([]byte(nil), body[36:]...)
	return h, nil
}

// encodeClientFinish serializes a ClientFinish: ciphertext only.
func encodeClientFinish(f ClientFinish) []byte {
	return append([]byte(nil), f.Ciphertext...)
}

func decodeClientFinish(body []byte) ClientFinish {
	return ClientFinish{Ciphertext: append([]byte(nil), body...)}
}
