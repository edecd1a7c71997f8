// Package wal implements the Write-Ahead Log of spec.md §4.6: an
// append-only, segmented, crc-checked durability log for critical events.
//
// Grounded on Aidin1998-finalex/persistence/wal.go's file+mutex+fsync
// shape (open-append-sync on every write, replay by sequential scan), but
// deliberately NOT a port of original_source's JSON-lines WAL
// (core/event_bus.py has no WAL at all; the closest original analogue,
// the order/state persistence, uses ad hoc JSON files with no framing or
// checksums). The spec requires binary records with a crc, sequential
// scan-with-corrupt-tail-truncation, and size-triggered rotation — none of
// which a JSON-lines format gives for free — so records are framed
// explicitly and checksummed with crc32 (see DESIGN.md).
package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"tradegateway/internal/core"
	apperrors "tradegateway/pkg/errors"
	"tradegateway/pkg/telemetry"
)

const (
	segmentPrefix = "wal-"
	segmentSuffix = ".log"
	headerLen     = 8 + 8 + 2 // seq + unixNano + topicLen, within the body (excludes the 4B length prefix)
	crcLen        = 4
)

// Record is a single decoded WAL entry, surfaced during Replay.
type Record struct {
	Sequence  uint64
	Topic     string
	Payload   []byte
	Timestamp time.Time
}

// WAL is a segmented, append-only, crc-checked write-ahead log.
type WAL struct {
	mu sync.Mutex

	dir            string
	maxSegmentSize int64

	segmentIndex int
	file         *os.File
	writer       *bufio.Writer
	size         int64
	seq          uint64

	logger core.ILogger
}

// Open opens (creating if necessary) the WAL rooted at dir, recovering the
// next sequence number from the latest segment and truncating any corrupt
// tail record left by a crash mid-write.
func Open(dir string, maxSegmentSize int64, logger core.ILogger) (*WAL, error) {
	if maxSegmentSize <= 0 {
		maxSegmentSize = 64 * 1024 * 1024
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating WAL dir: %v", apperrors.ErrCorruption, err)
	}

	w := &WAL{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		logger:         logger.WithField("component", "wal"),
	}

	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	if len(segments) == 0 {
		if err := w.openSegment(1); err != nil {
			return nil, err
		}
		return w, nil
	}

	last := segments[len(segments)-1]
	maxSeq, err := recoverSegment(filepath.Join(dir, segmentName(last)))
	if err != nil {
		return nil, err
	}
	w.seq = maxSeq

	if err := w.openSegmentAppend(last); err != nil {
		return nil, err
	}
	return w, nil
}

func segmentName(index int) string {
	return fmt.Sprintf("%s%06d%s", segmentPrefix, index, segmentSuffix)
}

func listSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: listing WAL segments: %v", apperrors.ErrCorruption, err)
	}
	var indices []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		var idx int
		if _, err := fmt.Sscanf(name, segmentPrefix+"%06d"+segmentSuffix, &idx); err == nil {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)
	return indices, nil
}

func (w *WAL) openSegment(index int) error {
	f, err := os.OpenFile(filepath.Join(w.dir, segmentName(index)), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening WAL segment: %v", apperrors.ErrCorruption, err)
	}
	w.file = f
	w.writer = bufio.NewWriter(f)
	w.segmentIndex = index
	w.size = 0
	return nil
}

func (w *WAL) openSegmentAppend(index int) error {
	if err := w.openSegment(index); err != nil {
		return err
	}
	info, err := w.file.Stat()
	if err != nil {
		return err
	}
	w.size = info.Size()
	return nil
}

// recoverSegment scans segment path, returning the highest valid sequence
// number and truncating the file at the first corrupt or incomplete
// record (a crash mid-write leaves a torn tail, per spec §4.6).
func recoverSegment(path string) (uint64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: opening WAL segment for recovery: %v", apperrors.ErrCorruption, err)
	}
	defer f.Close()

	var maxSeq uint64
	var offset int64
	r := bufio.NewReader(f)
	for {
		rec, n, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			break // torn/corrupt tail: stop here, truncate below
		}
		maxSeq = rec.Sequence
		offset += int64(n)
	}

	if err := f.Truncate(offset); err != nil {
		return 0, fmt.Errorf("%w: truncating torn WAL tail: %v", apperrors.ErrCorruption, err)
	}
	return maxSeq, nil
}

// Append writes a new record, flushing and fsyncing before returning, and
// rotates to a new segment if the current one would exceed maxSegmentSize.
func (w *WAL) Append(topic string, payload []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	w.seq++
	rec := Record{Sequence: w.seq, Topic: topic, Payload: payload, Timestamp: time.Now()}

	buf := encodeRecord(rec)
	if w.size+int64(len(buf)) > w.maxSegmentSize {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	n, err := w.writer.Write(buf)
	if err != nil {
		return 0, fmt.Errorf("%w: writing WAL record: %v", apperrors.ErrCorruption, err)
	}
	if err := w.writer.Flush(); err != nil {
		return 0, fmt.Errorf("%w: flushing WAL record: %v", apperrors.ErrCorruption, err)
	}
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("%w: fsyncing WAL record: %v", apperrors.ErrCorruption, err)
	}
	w.size += int64(n)

	telemetry.GetGlobalMetrics().ObserveWALAppendLatency(context.Background(), float64(time.Since(start).Microseconds())/1000.0)
	return rec.Sequence, nil
}

func (w *WAL) rotateLocked() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	w.logger.Info("rotating WAL segment", "from", w.segmentIndex, "to", w.segmentIndex+1)
	return w.openSegment(w.segmentIndex + 1)
}

// Replay scans every segment in order, invoking fn for each valid record.
// A torn tail in the final segment is treated as end-of-log, not an error.
func (w *WAL) Replay(fn func(seq uint64, topic string, payload []byte, ts time.Time) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	segments, err := listSegments(w.dir)
	if err != nil {
		return err
	}

	for _, idx := range segments {
		path := filepath.Join(w.dir, segmentName(idx))
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("%w: opening WAL segment for replay: %v", apperrors.ErrCorruption, err)
		}

		r := bufio.NewReader(f)
		for {
			rec, _, err := readRecord(r)
			if err == io.EOF {
				break
			}
			if err != nil {
				if idx != segments[len(segments)-1] {
					f.Close()
					return fmt.Errorf("segment %d: %w", idx, err)
				}
				w.logger.Warn("truncated WAL record encountered during replay, stopping segment scan",
					"segment", idx)
				break
			}
			if cbErr := fn(rec.Sequence, rec.Topic, rec.Payload, rec.Timestamp); cbErr != nil {
				f.Close()
				return cbErr
			}
		}
		f.Close()
	}
	return nil
}

// Close flushes and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// encodeRecord serializes rec as:
// [4B body len][8B seq][8B unix nano][2B topic len][topic][payload][4B crc32 of the body]
// where the body is everything between the length prefix and the crc.
func encodeRecord(rec Record) []byte {
	topicBytes := []byte(rec.Topic)
	bodyLen := headerLen + len(topicBytes) + len(rec.Payload)
	buf := make([]byte, 4+bodyLen+crcLen)

	binary.BigEndian.PutUint32(buf[0:4], uint32(bodyLen))
	binary.BigEndian.PutUint64(buf[4:12], rec.Sequence)
	binary.BigEndian.PutUint64(buf[12:20], uint64(rec.Timestamp.UnixNano()))
	binary.BigEndian.PutUint16(buf[20:22], uint16(len(topicBytes)))
	copy(buf[22:22+len(topicBytes)], topicBytes)
	copy(buf[22+len(topicBytes):], rec.Payload)

	crc := crc32.ChecksumIEEE(buf[4 : 4+bodyLen])
	binary.BigEndian.PutUint32(buf[4+bodyLen:], crc)
	return buf
}

// readRecord reads one framed record from r, returning the total bytes
// consumed (for truncation bookkeeping). Any length/crc mismatch is
// reported as an error representing a torn or corrupted record.
func readRecord(r *bufio.Reader) (Record, int, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Record{}, 0, fmt.Errorf("%w: truncated record length", apperrors.ErrCorruption)
		}
		return Record{}, 0, err
	}
	bodyLen := binary.BigEndian.Uint32(lenBuf)
	if bodyLen < headerLen {
		return Record{}, 0, fmt.Errorf("%w: implausible record length %d", apperrors.ErrCorruption, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Record{}, 0, fmt.Errorf("%w: truncated record body", apperrors.ErrCorruption)
	}

	crcBuf := make([]byte, crcLen)
	if _, err := io.ReadFull(r, crcBuf); err != nil {
		return Record{}, 0, fmt.Errorf("%w: truncated record crc", apperrors.ErrCorruption)
	}

	want := binary.BigEndian.Uint32(crcBuf)
	got := crc32.ChecksumIEEE(body)
	if want != got {
		return Record{}, 0, fmt.Errorf("%w: crc mismatch", apperrors.ErrCorruption)
	}

	seq := binary.BigEndian.Uint64(body[0:8])
	ts := time.Unix(0, int64(binary.BigEndian.Uint64(body[8:16])))
	topicLen := binary.BigEndian.Uint16(body[16:18])
	topic := string(body[18 : 18+topicLen])
	payload := body[18+topicLen:]

	total := 4 + int(bodyLen) + crcLen
	return Record{Sequence: seq, Topic: topic, Payload: payload, Timestamp: ts}, total, nil
}

var _ core.IWAL = (*WAL)(nil)
