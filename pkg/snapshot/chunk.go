package snapshot

import (
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"

	"ftsdb/pkg/dberrors"
)

// Chunk is one piece of a snapshot message in flight between two nodes.
// Offset and Total are byte positions in the encoded message.
type Chunk struct {
	TransferID string `json:"transfer_id"`
	From       uint64 `json:"from"`
	To         uint64 `json:"to"`
	Index      uint64 `json:"index"`
	Term       uint64 `json:"term"`
	Offset     int64  `json:"offset"`
	Total      int64  `json:"total"`
	CRC        uint32 `json:"crc"`
	Data       []byte `json:"data"`
}

// Ack tells the sender where to continue. A sender that gets back a NextOffset
// different from what it sent resumes from there.
type Ack struct {
	NextOffset int64 `json:"next_offset"`
	Done       bool  `json:"done"`
}

// Chunker splits an encoded snapshot message into chunks.
type Chunker struct {
	payload []byte
	size    int
	head    Chunk
}

func NewChunker(transferID string, from, to, index, term uint64, payload []byte, size int) *Chunker {
	return &Chunker{
		payload: payload,
		size:    size,
		head: Chunk{
			TransferID: transferID,
			From:       from,
			To:         to,
			Index:      index,
			Term:       term,
			Total:      int64(len(payload)),
			CRC:        crc32.ChecksumIEEE(payload),
		},
	}
}

func (c *Chunker) Total() int64 {
	return c.head.Total
}

// At returns the chunk starting at offset.
func (c *Chunker) At(offset int64) Chunk {
	if offset < 0 || offset > c.head.Total {
		offset = 0
	}
	end := min(offset+int64(c.size), c.head.Total)

	ch := c.head
	ch.Offset = offset
	ch.Data = c.payload[offset:end]
	return ch
}

type transfer struct {
	id    string
	index uint64
	total int64
	crc   uint32
	buf   []byte
}

// Assembler rebuilds snapshot messages on the receiving node, one transfer per sender.
type Assembler struct {
	mu        sync.Mutex
	transfers map[uint64]*transfer
	maxSize   int64
}

func NewAssembler(maxSize int64) *Assembler {
	return &Assembler{transfers: make(map[uint64]*transfer), maxSize: maxSize}
}

// Receive adds a chunk. When the last chunk arrives and the checksum matches,
// the whole payload is returned. A newer snapshot from the same sender replaces
// an unfinished older one; chunks of the older one then fail with ErrTransferInterrupted.
func (a *Assembler) Receive(ch Chunk) ([]byte, Ack, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ch.Total < 0 || ch.Offset < 0 {
		return nil, Ack{}, fmt.Errorf("%w: negative offset %d or size %d", dberrors.ErrCorruptSnapshot, ch.Offset, ch.Total)
	}
	if a.maxSize > 0 && ch.Total > a.maxSize {
		return nil, Ack{}, fmt.Errorf("%w: snapshot of %d bytes exceeds limit", dberrors.ErrCorruptSnapshot, ch.Total)
	}

	cur := a.transfers[ch.From]
	if cur == nil || cur.id != ch.TransferID {
		if cur != nil && ch.Index < cur.index {
			return nil, Ack{}, fmt.Errorf("%w: snapshot %d superseded by %d", dberrors.ErrTransferInterrupted, ch.Index, cur.index)
		}
		if ch.Offset != 0 {
			// unknown transfer, e.g. after a receiver restart: start over
			return nil, Ack{NextOffset: 0}, nil
		}
		if cur != nil {
			slog.Info("snapshot transfer replaced", "from", ch.From, "old_index", cur.index, "new_index", ch.Index)
		}
		cur = &transfer{id: ch.TransferID, index: ch.Index, total: ch.Total, crc: ch.CRC, buf: make([]byte, 0, ch.Total)}
		a.transfers[ch.From] = cur
	}

	if ch.Offset != int64(len(cur.buf)) {
		return nil, Ack{NextOffset: int64(len(cur.buf))}, nil
	}
	if int64(len(cur.buf)+len(ch.Data)) > cur.total {
		delete(a.transfers, ch.From)
		return nil, Ack{}, fmt.Errorf("%w: chunk past declared size", dberrors.ErrCorruptSnapshot)
	}
	cur.buf = append(cur.buf, ch.Data...)

	if int64(len(cur.buf)) < cur.total {
		return nil, Ack{NextOffset: int64(len(cur.buf))}, nil
	}

	delete(a.transfers, ch.From)
	if crc32.ChecksumIEEE(cur.buf) != cur.crc {
		return nil, Ack{}, fmt.Errorf("%w: checksum mismatch for snapshot %d", dberrors.ErrCorruptSnapshot, cur.index)
	}
	return cur.buf, Ack{NextOffset: cur.total, Done: true}, nil
}

// Pending reports the number of unfinished transfers.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.transfers)
}
