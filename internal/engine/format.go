package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-audio/wav"
	"github.com/tphakala/flac"

	"github.com/tphakala/bankstream/internal/errors"
)

// Format is a payload encoding the engine accepts
type Format string

const (
	FormatWAV  Format = "wav"
	FormatFLAC Format = "flac"
	FormatBank Format = "bank"
	// FormatStream is a streamed payload whose header has not been seen yet
	FormatStream Format = "stream"
)

// BankMagic opens every sound bank, followed by the little endian length of
// the header chunk
var BankMagic = [4]byte{'B', 'K', 'H', 'D'}

const bankHeaderSize = 8

var (
	riffMagic = []byte("RIFF")
	waveMagic = []byte("WAVE")
	flacMagic = []byte("fLaC")
)

// sniff identifies a payload by its magic bytes
func sniff(data []byte) (Format, bool) {
	switch {
	case len(data) >= 12 && bytes.Equal(data[:4], riffMagic) && bytes.Equal(data[8:12], waveMagic):
		return FormatWAV, true
	case len(data) >= 4 && bytes.Equal(data[:4], flacMagic):
		return FormatFLAC, true
	case len(data) >= 4 && bytes.Equal(data[:4], BankMagic[:]):
		return FormatBank, true
	default:
		return "", false
	}
}

// validateAudio decodes the header of a complete WAV or FLAC payload
func validateAudio(data []byte) (Format, error) {
	format, ok := sniff(data)
	if !ok || format == FormatBank {
		return "", formatError(ErrUnsupportedFormat, "unrecognized audio header")
	}

	switch format {
	case FormatWAV:
		decoder := wav.NewDecoder(bytes.NewReader(data))
		if !decoder.IsValidFile() {
			return "", formatError(ErrInvalidPayload, "invalid wav file")
		}
		if decoder.SampleRate == 0 || decoder.NumChans == 0 {
			return "", formatError(ErrInvalidPayload, "wav file has no audio format")
		}
	case FormatFLAC:
		decoder, err := flac.NewDecoder(bytes.NewReader(data))
		if err != nil {
			return "", formatError(fmt.Errorf("%w: %w", ErrInvalidPayload, err), "invalid flac file")
		}
		if decoder.SampleRate == 0 || decoder.NChannels == 0 {
			return "", formatError(ErrInvalidPayload, "flac file has no audio format")
		}
	}
	return format, nil
}

// validateBank checks the bank header
func validateBank(data []byte) error {
	if len(data) < bankHeaderSize || !bytes.Equal(data[:4], BankMagic[:]) {
		return formatError(ErrInvalidPayload, "missing bank header")
	}
	headerLen := binary.LittleEndian.Uint32(data[4:bankHeaderSize])
	if int64(headerLen) > int64(len(data)-bankHeaderSize) {
		return formatError(ErrInvalidPayload,
			fmt.Sprintf("bank header length %d exceeds payload of %d bytes", headerLen, len(data)))
	}
	return nil
}

// NewBankPayload builds a minimal bank payload around body
func NewBankPayload(body []byte) []byte {
	data := make([]byte, bankHeaderSize+len(body))
	copy(data, BankMagic[:])
	binary.LittleEndian.PutUint32(data[4:bankHeaderSize], uint32(len(body))) //nolint:gosec // test payloads are small
	copy(data[bankHeaderSize:], body)
	return data
}

func formatError(err error, msg string) error {
	return errors.New(fmt.Errorf("%s: %w", msg, err)).
		Component("engine").
		Category(errors.CategoryFormat).
		Build()
}
