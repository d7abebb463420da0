package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"ftsdb/pkg/fsutil"

	"github.com/gogo/protobuf/proto"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	fileName      = "wal.log"
	maxRecordSize = 64 << 20
)

type recordType uint8

const (
	recordEntry     recordType = 1
	recordHardState recordType = 2
	recordSnapshot  recordType = 3 // log prefix up to Metadata.Index lives in a snapshot
)

var (
	ErrCorruptRecord = errors.New("wal: corrupt record")
	ErrClosed        = errors.New("wal: closed")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// State is what ReadAll recovers from the log file.
type State struct {
	Snapshot  raftpb.SnapshotMetadata
	HardState raftpb.HardState
	Entries   []raftpb.Entry
}

// WAL is an append-only file of raft records. A record is
// type(1) | length(4) | crc32(4) | protobuf payload.
type WAL struct {
	mu       sync.Mutex
	dir      string
	file     *os.File
	writer   *bufio.Writer
	filePath string
	size     int64
}

// Open opens or creates the log file in dir.
func Open(dir string) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &WAL{dir: dir, filePath: filepath.Join(dir, fileName)}
	if err := w.openAppend(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) openAppend() error {
	file, err := os.OpenFile(w.filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat WAL file: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	w.size = info.Size()
	return nil
}

// Save appends entries and, if not empty, the hard state, then fsyncs.
// It returns only after the data is on disk.
func (w *WAL) Save(hs raftpb.HardState, entries []raftpb.Entry) error {
	if raft.IsEmptyHardState(hs) && len(entries) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return ErrClosed
	}
	for i := range entries {
		if err := w.writeRecord(recordEntry, &entries[i]); err != nil {
			return fmt.Errorf("failed to write WAL entry: %w", err)
		}
	}
	if !raft.IsEmptyHardState(hs) {
		if err := w.writeRecord(recordHardState, &hs); err != nil {
			return fmt.Errorf("failed to write WAL hard state: %w", err)
		}
	}
	return w.sync()
}

// SaveSnapshot records that the prefix up to meta.Index is covered by a snapshot.
func (w *WAL) SaveSnapshot(meta raftpb.SnapshotMetadata) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return ErrClosed
	}
	if err := w.writeRecord(recordSnapshot, &meta); err != nil {
		return fmt.Errorf("failed to write WAL snapshot marker: %w", err)
	}
	return w.sync()
}

func (w *WAL) sync() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// ReadAll replays the file. Replay stops at the first torn or corrupt record
// (a crash in the middle of a write) and the file is cut there.
func (w *WAL) ReadAll() (State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var st State

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return st, fmt.Errorf("failed to flush WAL before replay: %w", err)
		}
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return st, fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	var good int64
	for {
		typ, payload, n, err := readRecord(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrCorruptRecord) {
				if tailErr := w.cutTail(good); tailErr != nil {
					return st, tailErr
				}
				break
			}
			return st, fmt.Errorf("failed to read WAL record: %w", err)
		}

		if err := st.apply(typ, payload); err != nil {
			return st, err
		}
		good += n
	}
	return st, nil
}

func (w *WAL) cutTail(good int64) error {
	slog.Warn("WAL has a torn tail, truncating", "file", w.filePath, "offset", good, "size", w.size)
	if err := os.Truncate(w.filePath, good); err != nil {
		return fmt.Errorf("failed to truncate WAL tail: %w", err)
	}
	w.size = good
	return nil
}

func (st *State) apply(typ recordType, payload []byte) error {
	switch typ {
	case recordEntry:
		var e raftpb.Entry
		if err := proto.Unmarshal(payload, &e); err != nil {
			return fmt.Errorf("%w: entry: %v", ErrCorruptRecord, err)
		}
		return st.appendEntry(e)
	case recordHardState:
		var hs raftpb.HardState
		if err := proto.Unmarshal(payload, &hs); err != nil {
			return fmt.Errorf("%w: hard state: %v", ErrCorruptRecord, err)
		}
		st.HardState = hs
	case recordSnapshot:
		var meta raftpb.SnapshotMetadata
		if err := proto.Unmarshal(payload, &meta); err != nil {
			return fmt.Errorf("%w: snapshot: %v", ErrCorruptRecord, err)
		}
		if meta.Index < st.Snapshot.Index {
			return nil
		}
		st.Snapshot = meta
		kept := st.Entries[:0]
		for _, e := range st.Entries {
			if e.Index > meta.Index {
				kept = append(kept, e)
			}
		}
		st.Entries = kept
	default:
		return fmt.Errorf("%w: unknown record type %d", ErrCorruptRecord, typ)
	}
	return nil
}

// appendEntry mirrors raft's own append: a new entry at an existing index
// replaces that entry and everything after it.
func (st *State) appendEntry(e raftpb.Entry) error {
	if e.Index <= st.Snapshot.Index {
		return nil
	}
	if len(st.Entries) == 0 {
		if e.Index != st.Snapshot.Index+1 {
			return fmt.Errorf("%w: gap before entry %d", ErrCorruptRecord, e.Index)
		}
		st.Entries = append(st.Entries, e)
		return nil
	}

	first := st.Entries[0].Index
	last := st.Entries[len(st.Entries)-1].Index
	switch {
	case e.Index == last+1:
		st.Entries = append(st.Entries, e)
	case e.Index <= last && e.Index >= first:
		st.Entries = append(st.Entries[:e.Index-first], e)
	case e.Index < first:
		st.Entries = append(st.Entries[:0], e)
	default:
		return fmt.Errorf("%w: gap between %d and %d", ErrCorruptRecord, last, e.Index)
	}
	return nil
}

// Rewrite replaces the file with exactly the given state. Used after
// compaction to drop the truncated prefix from disk.
func (w *WAL) Rewrite(st State) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return ErrClosed
	}

	tmpPath := w.filePath + fsutil.TempSuffix
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create WAL rewrite file: %w", err)
	}

	bw := bufio.NewWriter(tmp)
	werr := func() error {
		if st.Snapshot.Index != 0 {
			if _, err := encodeRecord(bw, recordSnapshot, &st.Snapshot); err != nil {
				return err
			}
		}
		for i := range st.Entries {
			if _, err := encodeRecord(bw, recordEntry, &st.Entries[i]); err != nil {
				return err
			}
		}
		if !raft.IsEmptyHardState(st.HardState) {
			if _, err := encodeRecord(bw, recordHardState, &st.HardState); err != nil {
				return err
			}
		}
		if err := bw.Flush(); err != nil {
			return err
		}
		return tmp.Sync()
	}()
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write WAL rewrite file: %w", werr)
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL before rewrite: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close WAL before rewrite: %w", err)
	}
	w.file, w.writer = nil, nil

	if err := os.Rename(tmpPath, w.filePath); err != nil {
		return fmt.Errorf("failed to replace WAL file: %w", err)
	}
	if err := fsutil.SyncDir(w.dir); err != nil {
		return fmt.Errorf("failed to sync WAL dir: %w", err)
	}
	return w.openAppend()
}

// Size returns the file size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}

	return nil
}

func (w *WAL) writeRecord(typ recordType, msg proto.Message) error {
	n, err := encodeRecord(w.writer, typ, msg)
	w.size += n
	return err
}

func encodeRecord(wr io.Writer, typ recordType, msg proto.Message) (int64, error) {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return 0, err
	}
	if len(payload) > math.MaxUint32 {
		return 0, fmt.Errorf("record too large: %d", len(payload))
	}

	var header [9]byte
	header[0] = byte(typ)
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[5:9], crc32.Checksum(payload, crcTable))

	if _, err := wr.Write(header[:]); err != nil {
		return 0, err
	}
	if _, err := wr.Write(payload); err != nil {
		return int64(len(header)), err
	}
	return int64(len(header) + len(payload)), nil
}

func readRecord(reader *bufio.Reader) (recordType, []byte, int64, error) {
	var header [9]byte
	n, err := io.ReadFull(reader, header[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return 0, nil, 0, io.EOF
		}
		return 0, nil, 0, io.ErrUnexpectedEOF
	}

	typ := recordType(header[0])
	size := binary.LittleEndian.Uint32(header[1:5])
	sum := binary.LittleEndian.Uint32(header[5:9])

	if size > maxRecordSize {
		return 0, nil, 0, ErrCorruptRecord
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return 0, nil, 0, io.ErrUnexpectedEOF
	}
	if crc32.Checksum(payload, crcTable) != sum {
		return 0, nil, 0, ErrCorruptRecord
	}
	return typ, payload, int64(len(header)) + int64(size), nil
}
