package idgen

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sort"

	"k8s.io/klog/v2"
)

// On-disk format of <dir>/<ns>.id:
//
//	 0: "opflexid"               (8 bytes literal)
//	 8: u32 version = 1
//	12: repeat { u32 id; u16 len; u8 bytes[len]; } until EOF
//
// Multi-byte fields are little-endian, matching the native order of
// every supported target; the file is not portable across byte orders.

var idFileMagic = [8]byte{'o', 'p', 'f', 'l', 'e', 'x', 'i', 'd'}

const idFileVersion = uint32(1)

// persistLocked rewrites the namespace file from scratch. Failures are
// logged and the in-memory state proceeds; the header check at next
// load detects a torn write. Caller holds g.mu.
func (g *Generator) persistLocked(ns string, im *idMap) {
	if g.persistDir == "" {
		return
	}
	fname := g.namespaceFile(ns)
	file, err := os.Create(fname)
	if err != nil {
		klog.Errorf("Unable to open file %s for writing: %v", fname, err)
		return
	}
	defer file.Close()

	if _, err := file.Write(idFileMagic[:]); err != nil {
		klog.Errorf("Failed to write to file %s: %v", fname, err)
		return
	}
	if err := binary.Write(file, binary.LittleEndian, idFileVersion); err != nil {
		klog.Errorf("Failed to write to file %s: %v", fname, err)
		return
	}

	// stable record order keeps rewrites deterministic
	keys := make([]string, 0, len(im.ids))
	for key := range im.ids {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if len(key) > int(^uint16(0)) {
			klog.Errorf("ID string length exceeds maximum")
			continue
		}
		if err := binary.Write(file, binary.LittleEndian, im.ids[key]); err != nil {
			klog.Errorf("Failed to write to file %s: %v", fname, err)
			return
		}
		if err := binary.Write(file, binary.LittleEndian, uint16(len(key))); err != nil {
			klog.Errorf("Failed to write to file %s: %v", fname, err)
			return
		}
		if _, err := file.WriteString(key); err != nil {
			klog.Errorf("Failed to write to file %s: %v", fname, err)
			return
		}
	}
	if err := file.Sync(); err != nil {
		klog.Errorf("Failed to flush file %s: %v", fname, err)
	}
	klog.V(4).Infof("Wrote %d entries to file %s", len(im.ids), fname)
}

// loadLocked reads the namespace file into a freshly initialized idMap.
// Header problems abort the load with the namespace left empty;
// individual corrupt records are skipped. Caller holds g.mu.
func (g *Generator) loadLocked(ns string, im *idMap) {
	fname := g.namespaceFile(ns)
	klog.V(4).Infof("Loading IDs from file %s", fname)
	file, err := os.Open(fname)
	if err != nil {
		klog.V(4).Infof("Unable to open file %s for reading: %v", fname, err)
		return
	}
	defer file.Close()

	var magic [8]byte
	if _, err := io.ReadFull(file, magic[:]); err != nil {
		klog.Errorf("%s exists, but could not be read: %v", fname, err)
		return
	}
	if magic != idFileMagic {
		klog.Errorf("%s is not an ID file", fname)
		return
	}
	var version uint32
	if err := binary.Read(file, binary.LittleEndian, &version); err != nil {
		klog.Errorf("%s exists, but could not be read: %v", fname, err)
		return
	}
	if version != idFileVersion {
		klog.Errorf("%s: Unsupported ID file format version: %d", fname, version)
		return
	}

	for {
		var id uint32
		if err := binary.Read(file, binary.LittleEndian, &id); err != nil {
			break
		}
		var keyLen uint16
		if err := binary.Read(file, binary.LittleEndian, &keyLen); err != nil {
			break
		}
		keyBuf := make([]byte, keyLen)
		if _, err := io.ReadFull(file, keyBuf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				klog.V(4).Infof("Unexpected EOF while reading string")
			}
			break
		}
		key := string(keyBuf)

		switch {
		case im.reverse[id] != "":
			klog.Warningf("ID file corrupt: %d seen more than once", id)
		case id > im.maxID:
			klog.Warningf("ID file corrupt: %d above maximum", id)
		case id < im.minID:
			klog.Warningf("ID file corrupt: %d below minimum", id)
		default:
			im.ids[key] = id
			im.reverse[id] = key
		}
	}

	im.free = rebuildFree(im.minID, im.maxID, im.reverse)
	klog.V(4).Infof("Loaded %d entries from file %s", len(im.ids), fname)
}

// rebuildFree computes the ascending complement of the used ids within
// [minID, maxID]
func rebuildFree(minID, maxID uint32, used map[uint32]string) []idRange {
	ids := make([]uint32, 0, len(used))
	for id := range used {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var free []idRange
	next := minID
	for _, id := range ids {
		if id > next {
			free = append(free, idRange{start: next, end: id - 1})
		}
		if id == maxID {
			return free
		}
		next = id + 1
	}
	if next <= maxID {
		free = append(free, idRange{start: next, end: maxID})
	}
	return free
}
