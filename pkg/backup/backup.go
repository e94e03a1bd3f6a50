// Package backup implements the Transaction backup file of spec §4.6/§6: a
// serialized snapshot of a transaction's locks and pending writes, forced to
// disk before commit and deleted after, so a crash between the two can be
// recovered by replaying the file. Grounded on the teacher's
// checkpoint_serializer.go framed-section encoding (count-prefixed,
// size-prefixed entries written into a bytes.Buffer before a single file
// write) and wal/writer.go's write-then-Sync discipline.
package backup

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/bobboyms/recordstore/pkg/errors"
	"github.com/bobboyms/recordstore/pkg/lock"
	"github.com/bobboyms/recordstore/pkg/write"
)

// Write serializes locks and writes into the file layout of spec §6:
//
//	[u32 lockSectionLength]
//	[lockSection = framed collection of LockDescription]
//	[writeSection = framed collection of Write]
//
// The file is written exactly once (O_EXCL: a pre-existing backup for this
// id is a programmer error, never overwritten) and forced to durable storage
// before returning.
func Write(path string, locks []lock.Description, writes []write.Write) error {
	lockSection, err := framedCollection(len(locks), func(i int) ([]byte, error) {
		return locks[i].Encode(), nil
	})
	if err != nil {
		return err
	}
	writeSection, err := framedCollection(len(writes), func(i int) ([]byte, error) {
		return writes[i].Encode()
	})
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return errors.NewIOError("backup.Write: open", err)
	}
	defer f.Close()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(lockSection)))
	if _, err := f.Write(header[:]); err != nil {
		return errors.NewIOError("backup.Write: header", err)
	}
	if _, err := f.Write(lockSection); err != nil {
		return errors.NewIOError("backup.Write: lock section", err)
	}
	if _, err := f.Write(writeSection); err != nil {
		return errors.NewIOError("backup.Write: write section", err)
	}
	if err := f.Sync(); err != nil {
		return errors.NewIOError("backup.Write: fsync", err)
	}
	return nil
}

// Read deserializes a backup file written by Write. A truncated or malformed
// file yields a CorruptBackupError (spec §7 "Corrupt backup"); the caller
// discards the file and deems the transaction lost.
func Read(path string) ([]lock.Description, []write.Write, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.NewIOError("backup.Read: open", err)
	}
	if len(data) < 4 {
		return nil, nil, errors.NewCorruptBackupError(path, "truncated header")
	}
	lockLen := int(binary.BigEndian.Uint32(data))
	pos := 4
	if len(data) < pos+lockLen {
		return nil, nil, errors.NewCorruptBackupError(path, "truncated lock section")
	}
	lockSection := data[pos : pos+lockLen]
	pos += lockLen
	writeSection := data[pos:]

	descs, err := decodeDescriptions(lockSection)
	if err != nil {
		return nil, nil, errors.NewCorruptBackupError(path, err.Error())
	}
	writes, err := decodeWrites(writeSection)
	if err != nil {
		return nil, nil, errors.NewCorruptBackupError(path, err.Error())
	}
	return descs, writes, nil
}

// framedCollection renders count followed by size-prefixed entries: the
// "[u32 count][for each: u32 size][size bytes]..." shape spec §6 names.
func framedCollection(count int, encode func(i int) ([]byte, error)) ([]byte, error) {
	var buf bytes.Buffer
	var countBytes [4]byte
	binary.BigEndian.PutUint32(countBytes[:], uint32(count))
	buf.Write(countBytes[:])

	for i := 0; i < count; i++ {
		entry, err := encode(i)
		if err != nil {
			return nil, err
		}
		var sizeBytes [4]byte
		binary.BigEndian.PutUint32(sizeBytes[:], uint32(len(entry)))
		buf.Write(sizeBytes[:])
		buf.Write(entry)
	}
	return buf.Bytes(), nil
}

func decodeDescriptions(buf []byte) ([]lock.Description, error) {
	if len(buf) < 4 {
		return nil, errors.New("truncated lock collection count")
	}
	count := int(binary.BigEndian.Uint32(buf))
	pos := 4
	out := make([]lock.Description, 0, count)
	for i := 0; i < count; i++ {
		if len(buf) < pos+4 {
			return nil, errors.New("truncated lock entry size")
		}
		size := int(binary.BigEndian.Uint32(buf[pos:]))
		pos += 4
		if len(buf) < pos+size {
			return nil, errors.New("truncated lock entry")
		}
		d, _, err := lock.DecodeDescription(buf[pos : pos+size])
		if err != nil {
			return nil, err
		}
		out = append(out, d)
		pos += size
	}
	return out, nil
}

func decodeWrites(buf []byte) ([]write.Write, error) {
	if len(buf) < 4 {
		return nil, errors.New("truncated write collection count")
	}
	count := int(binary.BigEndian.Uint32(buf))
	pos := 4
	out := make([]write.Write, 0, count)
	for i := 0; i < count; i++ {
		if len(buf) < pos+4 {
			return nil, errors.New("truncated write entry size")
		}
		size := int(binary.BigEndian.Uint32(buf[pos:]))
		pos += 4
		if len(buf) < pos+size {
			return nil, errors.New("truncated write entry")
		}
		w, _, err := write.Decode(buf[pos : pos+size])
		if err != nil {
			return nil, err
		}
		out = append(out, w)
		pos += size
	}
	return out, nil
}
