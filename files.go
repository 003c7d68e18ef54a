package whisper

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Bentlybro/whisper/internal/wire"
)

// fileChunkSize keeps each chunk frame comfortably under the wire frame
// limit after envelope and AEAD overhead.
const fileChunkSize = 64 * 1024

var (
	ErrUnknownTransfer = errors.New("unknown file transfer")
	ErrFileTooLarge    = errors.New("file exceeds transfer limit")
)

// maxFileSize bounds what a peer can make us buffer in memory.
const maxFileSize = 256 << 20

// OfferFile announces a pending transfer to a peer and returns the transfer
// id. Chunks flow only after the peer accepts.
func (c *Client) OfferFile(target, name string, size uint64) string {
	fileID := uuid.NewString()
	msg := c.peers.NewPlainMessage(wire.PlainFileOffer)
	msg.FileID = fileID
	msg.FileName = name
	msg.FileSize = size
	msg.TotalChunks = uint32((size + fileChunkSize - 1) / fileChunkSize)
	c.Send(Outgoing{Kind: OutDirect, Target: target, Message: msg})
	return fileID
}

// RespondFile accepts or declines a pending offer.
func (c *Client) RespondFile(target, fileID string, accept bool) {
	msg := c.peers.NewPlainMessage(wire.PlainFileResponse)
	msg.FileID = fileID
	msg.Accept = accept
	c.Send(Outgoing{Kind: OutDirect, Target: target, Message: msg})
}

// SendFileData streams the payload of an accepted transfer as ratcheted
// chunk messages.
func (c *Client) SendFileData(target, fileID string, data []byte) {
	total := uint32((len(data) + fileChunkSize - 1) / fileChunkSize)
	for i := uint32(0); i < total; i++ {
		start := int(i) * fileChunkSize
		end := min(start+fileChunkSize, len(data))

		msg := c.peers.NewPlainMessage(wire.PlainFileChunk)
		msg.FileID = fileID
		msg.ChunkIndex = i
		msg.TotalChunks = total
		msg.Data = data[start:end]
		c.Send(Outgoing{Kind: OutDirect, Target: target, Message: msg})
	}
}

// ReceivedFile is a fully reassembled inbound transfer.
type ReceivedFile struct {
	FileID string
	Name   string
	From   string
	Data   []byte
}

type transfer struct {
	name     string
	from     string
	size     uint64
	total    uint32
	received uint32
	chunks   [][]byte
}

// FileAssembler reassembles chunked transfers from decrypted messages.
// Chunks may arrive out of order; a transfer completes when every chunk is
// present.
type FileAssembler struct {
	mu        sync.Mutex
	transfers map[string]*transfer
}

func NewFileAssembler() *FileAssembler {
	return &FileAssembler{transfers: make(map[string]*transfer)}
}

// Ingest consumes file-related messages. It returns the finished file once
// the final chunk lands; other calls return nil.
func (fa *FileAssembler) Ingest(from string, msg *wire.PlainMessage) (*ReceivedFile, error) {
	switch msg.Kind {
	case wire.PlainFileOffer:
		return nil, fa.offer(from, msg)
	case wire.PlainFileChunk:
		return fa.chunk(from, msg)
	default:
		return nil, nil
	}
}

func (fa *FileAssembler) offer(from string, msg *wire.PlainMessage) error {
	if msg.FileSize > maxFileSize {
		return fmt.Errorf("%w: %d bytes", ErrFileTooLarge, msg.FileSize)
	}
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.transfers[msg.FileID] = &transfer{
		name:   msg.FileName,
		from:   from,
		size:   msg.FileSize,
		total:  msg.TotalChunks,
		chunks: make([][]byte, msg.TotalChunks),
	}
	return nil
}

func (fa *FileAssembler) chunk(from string, msg *wire.PlainMessage) (*ReceivedFile, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	tr, ok := fa.transfers[msg.FileID]
	if !ok || tr.from != from {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransfer, msg.FileID)
	}
	if msg.ChunkIndex >= tr.total {
		return nil, fmt.Errorf("%w: chunk %d of %d", ErrUnknownTransfer,
			msg.ChunkIndex, tr.total)
	}
	if tr.chunks[msg.ChunkIndex] == nil {
		tr.chunks[msg.ChunkIndex] = append([]byte(nil), msg.Data...)
		tr.received++
	}
	if tr.received < tr.total {
		return nil, nil
	}

	delete(fa.transfers, msg.FileID)
	data := make([]byte, 0, tr.size)
	for _, chunk := range tr.chunks {
		data = append(data, chunk...)
	}
	return &ReceivedFile{
		FileID: msg.FileID,
		Name:   tr.name,
		From:   tr.from,
		Data:   data,
	}, nil
}

// Cancel forgets an in-flight transfer, e.g. after a declined offer.
func (fa *FileAssembler) Cancel(fileID string) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	delete(fa.transfers, fileID)
}

// Pending reports the number of in-flight transfers.
func (fa *FileAssembler) Pending() int {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return len(fa.transfers)
}
