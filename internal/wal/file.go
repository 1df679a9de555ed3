package wal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// On-disk format of the file backend.
//
//	header: magic[4] | version u32 | createdAt i64 | reserved[16]
//	record: length u32 | sequence u64 | timestamp i64 | type u8 |
//	        payloadLen u32 | payload | crc32 u32
//
// Records are appended and fsynced one at a time. A put record carries the
// JSON form of a LocalChange; a delete record carries the bare id. The
// latest record for an id wins.
const (
	fileVersion    = 1
	fileMagic      = "XWAL"
	fileHeaderSize = 32

	recordOverhead = 4 + 8 + 8 + 1 + 4 + 4

	// compactMinDead is the number of superseded records that triggers a
	// rewrite, provided they also outnumber the live ones.
	compactMinDead = 512
)

type recordType uint8

const (
	recordPut    recordType = 1
	recordDelete recordType = 2
)

var (
	ErrInvalidMagic   = errors.New("wal: invalid magic number")
	ErrInvalidVersion = errors.New("wal: unsupported version")
	ErrCorruptedEntry = errors.New("wal: corrupted entry (CRC mismatch)")
	ErrLocked         = errors.New("wal: file is locked by another process")
)

type record struct {
	Sequence  uint64
	Timestamp int64
	Type      recordType
	Payload   []byte
	CRC32     uint32
}

// FileBackend is an append-only log file with an in-memory index. It has no
// external dependencies, which makes it the default fallback when the
// embedded database cannot be opened.
type FileBackend struct {
	mu sync.Mutex

	path   string
	file   *os.File
	index  map[string]LocalChange
	closed bool

	nextSequence uint64
	dead         int
	byteCount    int64
	truncated    int64
}

// OpenFile opens or creates a file backend at path.
func OpenFile(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create wal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open wal file: %w", err)
	}
	if err := lockFile(file); err != nil {
		file.Close()
		return nil, err
	}

	f := &FileBackend{
		path:  path,
		file:  file,
		index: make(map[string]LocalChange),
	}

	stat, err := file.Stat()
	if err != nil {
		f.closeFile()
		return nil, fmt.Errorf("stat wal file: %w", err)
	}

	if stat.Size() == 0 {
		if err := writeFileHeader(file); err != nil {
			f.closeFile()
			return nil, fmt.Errorf("write header: %w", err)
		}
		f.byteCount = fileHeaderSize
	} else {
		if err := readFileHeader(file); err != nil {
			f.closeFile()
			return nil, fmt.Errorf("read header: %w", err)
		}
		if err := f.scan(stat.Size()); err != nil {
			f.closeFile()
			return nil, fmt.Errorf("scan wal: %w", err)
		}
	}

	if _, err := file.Seek(f.byteCount, io.SeekStart); err != nil {
		f.closeFile()
		return nil, fmt.Errorf("seek to end: %w", err)
	}
	return f, nil
}

func writeFileHeader(w io.WriterAt) error {
	buf := make([]byte, fileHeaderSize)
	copy(buf[0:4], fileMagic)
	binary.BigEndian.PutUint32(buf[4:8], fileVersion)
	binary.BigEndian.PutUint64(buf[8:16], uint64(time.Now().UnixNano()))
	if _, err := w.WriteAt(buf, 0); err != nil {
		return err
	}
	if s, ok := w.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}

func readFileHeader(r io.ReaderAt) error {
	buf := make([]byte, fileHeaderSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return err
	}
	if string(buf[0:4]) != fileMagic {
		return ErrInvalidMagic
	}
	if v := binary.BigEndian.Uint32(buf[4:8]); v != fileVersion {
		return fmt.Errorf("%w: got %d, expected %d", ErrInvalidVersion, v, fileVersion)
	}
	return nil
}

// scan rebuilds the index. The first torn or corrupt record ends the log;
// everything after it is cut off so later appends remain readable.
func (f *FileBackend) scan(size int64) error {
	offset := int64(fileHeaderSize)

	for offset < size {
		rec, n, err := readRecord(f.file, offset)
		if err != nil {
			break
		}
		f.apply(rec)
		f.nextSequence = rec.Sequence + 1
		offset += n
	}

	if offset < size {
		f.truncated = size - offset
		if err := f.file.Truncate(offset); err != nil {
			return fmt.Errorf("truncate torn tail: %w", err)
		}
	}
	f.byteCount = offset
	return nil
}

func readRecord(r io.ReaderAt, offset int64) (*record, int64, error) {
	lenBuf := make([]byte, 4)
	if _, err := r.ReadAt(lenBuf, offset); err != nil {
		return nil, 0, err
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length < recordOverhead {
		return nil, 0, ErrCorruptedEntry
	}

	buf := make([]byte, length)
	if _, err := r.ReadAt(buf, offset); err != nil {
		return nil, 0, err
	}
	rec, err := deserializeRecord(buf)
	if err != nil {
		return nil, 0, err
	}
	if rec.CRC32 != computeRecordCRC(rec) {
		return nil, 0, ErrCorruptedEntry
	}
	return rec, int64(length), nil
}

// apply folds one record into the index. Must be called with f.mu held
// (or before the backend is shared).
func (f *FileBackend) apply(rec *record) {
	switch rec.Type {
	case recordPut:
		var c LocalChange
		if err := json.Unmarshal(rec.Payload, &c); err != nil {
			return
		}
		if _, ok := f.index[c.ID]; ok {
			f.dead++
		}
		f.index[c.ID] = c
	case recordDelete:
		id := string(rec.Payload)
		if _, ok := f.index[id]; ok {
			delete(f.index, id)
			// The put it removes and the delete record itself.
			f.dead += 2
		}
	}
}

func (f *FileBackend) append(typ recordType, payload []byte) error {
	rec := &record{
		Sequence:  f.nextSequence,
		Timestamp: time.Now().UnixNano(),
		Type:      typ,
		Payload:   payload,
	}
	rec.CRC32 = computeRecordCRC(rec)
	data := serializeRecord(rec)

	if _, err := f.file.Write(data); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync entry: %w", err)
	}

	f.nextSequence++
	f.byteCount += int64(len(data))
	f.apply(rec)
	return nil
}

func (f *FileBackend) Name() string { return "file" }

func (f *FileBackend) Put(ctx context.Context, c LocalChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if err := f.append(recordPut, payload); err != nil {
		return err
	}
	return f.maybeCompact()
}

func (f *FileBackend) Get(ctx context.Context, id string) (LocalChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return LocalChange{}, ErrClosed
	}
	c, ok := f.index[id]
	if !ok {
		return LocalChange{}, ErrNotFound
	}
	return c, nil
}

func (f *FileBackend) Unsynced(ctx context.Context) ([]LocalChange, error) {
	return f.filter(func(c LocalChange) bool { return !c.Synced })
}

func (f *FileBackend) All(ctx context.Context) ([]LocalChange, error) {
	return f.filter(func(LocalChange) bool { return true })
}

func (f *FileBackend) filter(keep func(LocalChange) bool) ([]LocalChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	out := make([]LocalChange, 0, len(f.index))
	for _, c := range f.index {
		if keep(c) {
			out = append(out, c)
		}
	}
	SortChanges(out)
	return out, nil
}

func (f *FileBackend) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if _, ok := f.index[id]; !ok {
		return ErrNotFound
	}
	if err := f.append(recordDelete, []byte(id)); err != nil {
		return err
	}
	return f.maybeCompact()
}

func (f *FileBackend) maybeCompact() error {
	if f.dead < compactMinDead || f.dead < len(f.index) {
		return nil
	}
	return f.compact()
}

// Compact rewrites the file with one record per live change.
func (f *FileBackend) Compact() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	return f.compact()
}

// compact writes live changes to path+".new" and renames it over the log.
func (f *FileBackend) compact() error {
	live := make([]LocalChange, 0, len(f.index))
	for _, c := range f.index {
		live = append(live, c)
	}
	SortChanges(live)

	newPath := f.path + ".new"
	newFile, err := os.OpenFile(newPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create compacted wal: %w", err)
	}
	abort := func(err error) error {
		newFile.Close()
		os.Remove(newPath)
		return err
	}

	if err := writeFileHeader(newFile); err != nil {
		return abort(err)
	}
	offset := int64(fileHeaderSize)
	var seq uint64
	for _, c := range live {
		payload, err := json.Marshal(c)
		if err != nil {
			return abort(err)
		}
		rec := &record{Sequence: seq, Timestamp: time.Now().UnixNano(), Type: recordPut, Payload: payload}
		rec.CRC32 = computeRecordCRC(rec)
		data := serializeRecord(rec)
		if _, err := newFile.WriteAt(data, offset); err != nil {
			return abort(err)
		}
		offset += int64(len(data))
		seq++
	}
	if err := newFile.Sync(); err != nil {
		return abort(err)
	}
	if err := lockFile(newFile); err != nil {
		return abort(err)
	}
	if err := os.Rename(newPath, f.path); err != nil {
		return abort(err)
	}

	f.closeFile()
	f.file = newFile
	if _, err := f.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	f.nextSequence = seq
	f.byteCount = offset
	f.dead = 0
	return nil
}

// Size returns the current file size in bytes.
func (f *FileBackend) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byteCount
}

// TruncatedBytes reports how many bytes of torn tail were dropped on open.
func (f *FileBackend) TruncatedBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.truncated
}

// Path returns the log file path.
func (f *FileBackend) Path() string { return f.path }

func (f *FileBackend) closeFile() {
	unlockFile(f.file)
	f.file.Close()
}

func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	unlockFile(f.file)
	return f.file.Close()
}

func computeRecordCRC(rec *record) uint32 {
	crc := crc32.NewIEEE()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], rec.Sequence)
	crc.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(rec.Timestamp))
	crc.Write(buf[:])
	crc.Write([]byte{byte(rec.Type)})
	crc.Write(rec.Payload)

	return crc.Sum32()
}

func serializeRecord(rec *record) []byte {
	size := recordOverhead + len(rec.Payload)
	buf := make([]byte, size)
	offset := 0

	binary.BigEndian.PutUint32(buf[offset:], uint32(size))
	offset += 4
	binary.BigEndian.PutUint64(buf[offset:], rec.Sequence)
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(rec.Timestamp))
	offset += 8
	buf[offset] = byte(rec.Type)
	offset++
	binary.BigEndian.PutUint32(buf[offset:], uint32(len(rec.Payload)))
	offset += 4
	copy(buf[offset:], rec.Payload)
	offset += len(rec.Payload)
	binary.BigEndian.PutUint32(buf[offset:], rec.CRC32)

	return buf
}

func deserializeRecord(data []byte) (*record, error) {
	if len(data) < recordOverhead {
		return nil, errors.New("entry too short")
	}

	rec := &record{}
	offset := 4
	rec.Sequence = binary.BigEndian.Uint64(data[offset:])
	offset += 8
	rec.Timestamp = int64(binary.BigEndian.Uint64(data[offset:]))
	offset += 8
	rec.Type = recordType(data[offset])
	offset++

	payloadLen := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4
	if len(data) != offset+payloadLen+4 {
		return nil, errors.New("entry truncated")
	}
	rec.Payload = make([]byte, payloadLen)
	copy(rec.Payload, data[offset:offset+payloadLen])
	offset += payloadLen

	rec.CRC32 = binary.BigEndian.Uint32(data[offset:])
	return rec, nil
}
