package crypto

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Envelope compresses then seals raw payloads before they are stored.
type Envelope struct {
	enc     *Encryptor
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewEnvelope(enc *Encryptor) (*Envelope, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Envelope{enc: enc, encoder: encoder, decoder: decoder}, nil
}

// Pack compresses and seals plaintext under the given record id.
func (e *Envelope) Pack(recordID string, plaintext []byte) ([]byte, error) {
	compressed := e.encoder.EncodeAll(plaintext, make([]byte, 0, len(plaintext)/2))
	return e.enc.Seal(compressed, []byte(recordID))
}

// Unpack reverses Pack. It fails if the envelope was packed for a
// different record id.
func (e *Envelope) Unpack(recordID string, sealed []byte) ([]byte, error) {
	compressed, err := e.enc.Open(sealed, []byte(recordID))
	if err != nil {
		return nil, err
	}
	plaintext, err := e.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	return plaintext, nil
}
