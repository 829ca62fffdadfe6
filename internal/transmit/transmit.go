// Package transmit defines the contract between the transaction log writer
// and the replica log transmitter, plus a stream implementation that frames
// log blocks onto a byte-oriented connection. Quorum logic lives with the
// consumer; this package only ships blocks and reports acceptance.
package transmit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/valyala/bytebufferpool"

	"pkg.gfire.dev/metaserver/internal/properties"
)

// StatusOK is the TransmitBlock status for an accepted block.
const StatusOK = 0

// StatusIOError is the TransmitBlock status when the block could not be
// handed to the transport.
const StatusIOError = -5

// CommitObserver is notified as followers acknowledge replicated blocks.
// Notify reports the highest log sequence known to be replicated.
type CommitObserver interface {
	Notify(seq int64)
}

// Transmitter ships framed log blocks to replica followers.
type Transmitter interface {
	// TransmitBlock submits the block ending at endSeq containing count
	// records. checksum covers the first checksumLen bytes of data.
	// Returns StatusOK when the block was accepted for transmission.
	TransmitBlock(endSeq int64, count int, data []byte, checksum uint32, checksumLen int) int
	// IsUp reports whether the transmitter can currently accept blocks.
	IsUp() bool
	// SetParameters applies configuration found under prefix.
	SetParameters(prefix string, params *properties.Properties) error
}

// Nop is a transmitter for single-node deployments: always up, drops blocks.
type Nop struct{}

func (Nop) TransmitBlock(int64, int, []byte, uint32, int) int { return StatusOK }
func (Nop) IsUp() bool                                        { return true }
func (Nop) SetParameters(string, *properties.Properties) error {
	return nil
}

// Compression codecs for stream frames.
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionZstd   = "zstd"
)

const frameMagic = 0x6b6c6f67 // "klog"

var (
	errTruncatedFrame = errors.New("transmit: truncated frame")
	errBadMagic       = errors.New("transmit: bad frame magic")
)

const (
	codecNone byte = iota
	codecSnappy
	codecZstd
)

// frameHeaderSize is magic(4) + endSeq(8) + count(4) + checksum(4) +
// checksumLen(4) + codec(1) + payloadLen(4).
const frameHeaderSize = 29

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Stream frames blocks onto an io.Writer, typically a follower connection.
// A write failure marks the stream down until the next SetConn.
type Stream struct {
	mu    sync.Mutex
	w     io.Writer
	codec byte
	up    bool
}

// NewStream returns a stream transmitter over w. A nil w starts down.
func NewStream(w io.Writer) *Stream {
	return &Stream{w: w, up: w != nil}
}

// SetConn replaces the underlying connection and marks the stream up.
func (s *Stream) SetConn(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w = w
	s.up = w != nil
}

// IsUp reports whether the stream accepted its last block.
func (s *Stream) IsUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.up
}

// SetParameters recognizes <prefix>compression: none, snappy or zstd.
func (s *Stream) SetParameters(prefix string, params *properties.Properties) error {
	name := params.GetString(prefix+"compression", CompressionNone)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch name {
	case CompressionNone:
		s.codec = codecNone
	case CompressionSnappy:
		s.codec = codecSnappy
	case CompressionZstd:
		s.codec = codecZstd
	default:
		return fmt.Errorf("transmit: unknown compression %q", name)
	}
	return nil
}

// TransmitBlock frames and writes one block.
func (s *Stream) TransmitBlock(endSeq int64, count int, data []byte, checksum uint32, checksumLen int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.up || s.w == nil {
		return StatusIOError
	}
	payload := data
	switch s.codec {
	case codecSnappy:
		payload = snappy.Encode(nil, data)
	case codecZstd:
		payload = zstdEncoder.EncodeAll(data, nil)
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], frameMagic)
	binary.LittleEndian.PutUint64(hdr[4:], uint64(endSeq))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(count))
	binary.LittleEndian.PutUint32(hdr[16:], checksum)
	binary.LittleEndian.PutUint32(hdr[20:], uint32(checksumLen))
	hdr[24] = s.codec
	binary.LittleEndian.PutUint32(hdr[25:], uint32(len(payload)))
	buf.Write(hdr[:])
	buf.Write(payload)
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		s.up = false
		return StatusIOError
	}
	return StatusOK
}

// Frame is a decoded transmit frame.
type Frame struct {
	EndSeq      int64
	Count       int
	Checksum    uint32
	ChecksumLen int
	Data        []byte
}

// ReadFrame decodes the next frame from r, decompressing the payload. It is
// the follower-side counterpart of TransmitBlock.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, errTruncatedFrame
		}
		return Frame{}, err
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != frameMagic {
		return Frame{}, errBadMagic
	}
	f := Frame{
		EndSeq:      int64(binary.LittleEndian.Uint64(hdr[4:])),
		Count:       int(binary.LittleEndian.Uint32(hdr[12:])),
		Checksum:    binary.LittleEndian.Uint32(hdr[16:]),
		ChecksumLen: int(binary.LittleEndian.Uint32(hdr[20:])),
	}
	codec := hdr[24]
	payload := make([]byte, binary.LittleEndian.Uint32(hdr[25:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, errTruncatedFrame
	}
	switch codec {
	case codecNone:
		f.Data = payload
	case codecSnappy:
		data, err := snappy.Decode(nil, payload)
		if err != nil {
			return Frame{}, fmt.Errorf("transmit: failed to decompress snappy payload: %w", err)
		}
		f.Data = data
	case codecZstd:
		data, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return Frame{}, fmt.Errorf("transmit: failed to decompress zstd payload: %w", err)
		}
		f.Data = data
	default:
		return Frame{}, fmt.Errorf("transmit: unknown codec %d", codec)
	}
	return f, nil
}
