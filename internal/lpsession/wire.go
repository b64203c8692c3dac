package lpsession

import (
	"encoding/binary"
	"errors"
)

// dataHeaderSize is the size of the clear-text LP data-plane header: a
// 4-byte receiver_idx and a 4-byte counter, both big-endian.
const dataHeaderSize = 4 + 4

// ErrShortDatagram is returned when a UDP datagram is too small to
// contain a valid LP data-plane header.
var ErrShortDatagram = errors.New("lpsession: datagram shorter than header")

// DataFrame is a parsed LP data-plane datagram: the clear-text header
// plus the outer-AEAD ciphertext payload. receiver_idx and counter also
// serve as the AEAD associated data binding the ciphertext to this
// session and sequence position.
type DataFrame struct {
	ReceiverIdx uint32
	Counter     uint32
	Ciphertext  []byte
}

// ParseDataFrame extracts the clear-text header from a UDP datagram.
// Ciphertext aliases buf; the caller must not retain buf past use unless
// it owns the backing array.
func ParseDataFrame(buf []byte) (DataFrame, error) {
	if len(buf) < dataHeaderSize {
		return DataFrame{}, ErrShortDatagram
	}

	return DataFrame{
		ReceiverIdx: binary.BigEndian.Uint32(buf[0:4]),
		Counter:     binary.BigEndian.Uint32(buf[4:8]),
		Ciphertext:  buf[dataHeaderSize:],
	}, nil
}

// EncodeDataFrame serializes a DataFrame back to wire form.
func EncodeDataFrame(f DataFrame) []byte {
	out := make([]byte, dataHeaderSize+len(f.Ciphertext))
	binary.BigEndian.PutUint32(out[0:4], f.ReceiverIdx)
	binary.BigEndian.PutUint32(out[4:8], f.Counter)
	copy(out[dataHeaderSize:], f.Ciphertext)
	return out
}

// associatedData builds the (receiver_idx, counter) byte string used as
// AEAD associated data for every data-plane seal/open call, binding the
// ciphertext to its session and sequence position so that swapping a
// ciphertext between sessions or counters fails authentication.
func associatedData(receiverIdx, counter uint32) []byte {
	ad := make([]byte, 8)
	binary.BigEndian.PutUint32(ad[0:4], receiverIdx)
	binary.BigEndian.PutUint32(ad[4:8], counter)
	return ad
}
