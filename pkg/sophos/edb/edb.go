// Package edb implements the server's encrypted database: a persistent,
// memory-mapped UpdateToken -> Index map with on-demand growth, modeled
// on original_source/src/lmdb_wrapper.{hpp,cpp}'s LMDBWrapper contract
// but backed by a simple open-addressing table instead of a B-tree (see
// DESIGN.md, Open Question 1).
package edb

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"sophos/pkg/sophos"
)

const (
	dataDirName = "data"
	dataFile    = "db.dat"
	infoFile    = "info.bin"

	// maxLoadFactor bounds slot occupancy before a put forces a resize,
	// the open-addressing analogue of LMDB's "map full" condition.
	maxLoadFactor = 0.7
)

// slotSize is the on-disk width of one table slot: key bytes followed by
// value bytes. An all-zero key marks an empty slot (spec: "distinct
// updates produce distinct tokens with negligible collision probability",
// so an all-zero UpdateToken never legitimately occurs).
func slotSize(keySize, dataSize int) int { return keySize + dataSize }

// EDB is the server's persistent UpdateToken -> Index map.
type EDB struct {
	dir       string
	keySize   int
	dataSize  int
	slotBytes int

	mu       sync.RWMutex
	file     *os.File
	mapping  []byte
	numSlots uint64
	entries  uint64
	logger   *log.Logger
}

// OpenNew creates a fresh store under dir. dir must already exist; its
// data subdirectory must not. The initial map holds setupSize slots of
// keySize+dataSize bytes each (spec §4.3).
func OpenNew(dir string, setupSize, keySize, dataSize int) (*EDB, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", sophos.ErrSetup, dir)
	}

	dataDir := filepath.Join(dir, dataDirName)
	if _, err := os.Stat(dataDir); err == nil {
		return nil, fmt.Errorf("%w: %s already exists", sophos.ErrSetup, dataDir)
	}
	if err := os.Mkdir(dataDir, sophos.DataDirMode); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", sophos.ErrSetup, dataDir, err)
	}

	sb := slotSize(keySize, dataSize)
	initialSize := int64(setupSize) * int64(sb)

	e := &EDB{
		dir:       dir,
		keySize:   keySize,
		dataSize:  dataSize,
		slotBytes: sb,
		logger:    log.New(os.Stderr, "[sophos-edb] ", log.LstdFlags),
	}

	if err := e.createAndMap(dataDir, initialSize); err != nil {
		return nil, err
	}
	e.numSlots = uint64(initialSize / int64(sb))

	if err := e.writeInfo(); err != nil {
		return nil, err
	}

	return e, nil
}

// OpenExisting reopens a store created by OpenNew. Fails if info.bin is
// missing.
func OpenExisting(dir string) (*EDB, error) {
	infoPath := filepath.Join(dir, infoFile)
	raw, err := os.ReadFile(infoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", sophos.ErrIO, infoPath, err)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", sophos.ErrIO, infoPath, err)
	}

	// keySize/dataSize are not recorded in info.bin by design (spec §6
	// only names the map size); a real deployment would pin them in a
	// config alongside dir. The on-disk slot layout otherwise needs them
	// to interpret data/db.dat, so the caller of OpenExisting inside this
	// repo always pairs it with the same constants used at OpenNew time.
	e := &EDB{
		dir:       dir,
		keySize:   sophos.UpdateTokenSize,
		dataSize:  sophos.IndexSize,
		slotBytes: slotSize(sophos.UpdateTokenSize, sophos.IndexSize),
		logger:    log.New(os.Stderr, "[sophos-edb] ", log.LstdFlags),
	}

	dataDir := filepath.Join(dir, dataDirName)
	if err := e.openAndMap(dataDir, size); err != nil {
		return nil, err
	}
	e.numSlots = uint64(size / int64(e.slotBytes))
	e.entries = e.countOccupied()

	return e, nil
}

func (e *EDB) createAndMap(dataDir string, size int64) error {
	path := filepath.Join(dataDir, dataFile)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", sophos.ErrIO, path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return fmt.Errorf("%w: sizing %s: %v", sophos.ErrIO, path, err)
	}
	return e.mapFile(f, size)
}

func (e *EDB) openAndMap(dataDir string, size int64) error {
	path := filepath.Join(dataDir, dataFile)
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", sophos.ErrIO, path, err)
	}
	return e.mapFile(f, size)
}

func (e *EDB) mapFile(f *os.File, size int64) error {
	m, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: mmap: %v", sophos.ErrIO, err)
	}
	// MADV_RANDOM disables the kernel's sequential read-ahead heuristic,
	// the Go analogue of LMDB's MDB_NORDAHEAD flag (spec §4.3).
	_ = unix.Madvise(m, unix.MADV_RANDOM)
	e.file = f
	e.mapping = m
	return nil
}

func (e *EDB) writeInfo() error {
	path := filepath.Join(e.dir, infoFile)
	size := e.numSlots * uint64(e.slotBytes)
	content := strconv.FormatUint(size, 10) + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("%w: writing %s: %v", sophos.ErrSetup, path, err)
	}
	return nil
}

func (e *EDB) countOccupied() uint64 {
	var n uint64
	for s := uint64(0); s < e.numSlots; s++ {
		if e.slotOccupied(s) {
			n++
		}
	}
	return n
}

func (e *EDB) slotOccupied(slot uint64) bool {
	off := slot * uint64(e.slotBytes)
	key := e.mapping[off : off+uint64(e.keySize)]
	for _, b := range key {
		if b != 0 {
			return true
		}
	}
	return false
}

// hashKey maps a key to a starting slot index via FNV-1a, avalanching
// well enough for linear probing over a uniformly-distributed PRF output.
func hashKey(key []byte, numSlots uint64) uint64 {
	var h uint64 = 14695981039346656037
	for _, b := range key {
		h ^= uint64(b)
		h *= 1099511628211
	}
	if numSlots == 0 {
		return 0
	}
	return h % numSlots
}

// Entries returns the current count of live keys.
func (e *EDB) Entries() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.entries
}

// Close unmaps and closes the backing file. The data subdirectory itself
// is never removed by Close (spec §4.3: never deleted or renamed during a
// live handle).
func (e *EDB) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mapping != nil {
		if err := unix.Munmap(e.mapping); err != nil {
			return fmt.Errorf("%w: munmap: %v", sophos.ErrIO, err)
		}
		e.mapping = nil
	}
	if e.file != nil {
		return e.file.Close()
	}
	return nil
}

// put writes (key, value) directly into the mapped region, assuming the
// caller already holds the write lock and has confirmed there is room.
// Returns sophos.ErrMapFull if the table is full even after a full probe.
func (e *EDB) put(key []byte, value []byte) error {
	start := hashKey(key, e.numSlots)
	for i := uint64(0); i < e.numSlots; i++ {
		slot := (start + i) % e.numSlots
		off := slot * uint64(e.slotBytes)
		slotKey := e.mapping[off : off+uint64(e.keySize)]
		if isZero(slotKey) || bytesEqual(slotKey, key) {
			wasEmpty := isZero(slotKey)
			copy(e.mapping[off:off+uint64(e.keySize)], key)
			copy(e.mapping[off+uint64(e.keySize):off+uint64(e.slotBytes)], value)
			if wasEmpty {
				e.entries++
			}
			return nil
		}
	}
	return sophos.ErrMapFull
}

// get looks up key within the mapped region. The caller must hold at
// least a read lock for the duration.
func (e *EDB) get(key []byte) ([]byte, bool) {
	if e.numSlots == 0 {
		return nil, false
	}
	start := hashKey(key, e.numSlots)
	for i := uint64(0); i < e.numSlots; i++ {
		slot := (start + i) % e.numSlots
		off := slot * uint64(e.slotBytes)
		slotKey := e.mapping[off : off+uint64(e.keySize)]
		if isZero(slotKey) {
			return nil, false
		}
		if bytesEqual(slotKey, key) {
			v := make([]byte, e.dataSize)
			copy(v, e.mapping[off+uint64(e.keySize):off+uint64(e.slotBytes)])
			return v, true
		}
	}
	return nil, false
}

// resize grows the map by 1+EDBSizeIncreaseStep, rewrites info.bin, and
// rehashes every live entry into the new slot count. Returns the success
// of writing the sidecar, per spec §9.2's clarification of the original's
// unreachable-return bug.
func (e *EDB) resize() error {
	oldMapping := e.mapping
	oldSlots := e.numSlots

	newSize := int64(float64(oldSlots)*float64(e.slotBytes)*(1+sophos.EDBSizeIncreaseStep)) + int64(e.slotBytes)
	newSlots := uint64(newSize) / uint64(e.slotBytes)
	if newSlots <= oldSlots {
		newSlots = oldSlots + 1
	}
	newSize = int64(newSlots) * int64(e.slotBytes)

	live := make([][2][]byte, 0, e.entries)
	for s := uint64(0); s < oldSlots; s++ {
		off := s * uint64(e.slotBytes)
		key := oldMapping[off : off+uint64(e.keySize)]
		if !isZero(key) {
			k := make([]byte, e.keySize)
			v := make([]byte, e.dataSize)
			copy(k, key)
			copy(v, oldMapping[off+uint64(e.keySize):off+uint64(e.slotBytes)])
			live = append(live, [2][]byte{k, v})
		}
	}

	if err := unix.Munmap(e.mapping); err != nil {
		return fmt.Errorf("%w: munmap during resize: %v", sophos.ErrIO, err)
	}
	e.mapping = nil
	if err := e.file.Truncate(newSize); err != nil {
		return fmt.Errorf("%w: growing data file: %v", sophos.ErrIO, err)
	}
	if err := e.mapFile(e.file, newSize); err != nil {
		return err
	}
	// Truncate only zero-fills the grown tail; the reused head still
	// holds every live entry at its old slot. Zero the whole mapping and
	// reset entries before reinserting so put's occupied-slot probing and
	// the entries counter both start from empty, otherwise old and new
	// copies of the same key coexist and entries roughly doubles.
	for i := range e.mapping {
		e.mapping[i] = 0
	}
	e.numSlots = newSlots
	e.entries = 0
	for _, kv := range live {
		if err := e.put(kv[0], kv[1]); err != nil {
			return fmt.Errorf("%w: rehashing during resize: %v", sophos.ErrIO, err)
		}
	}

	return e.writeInfo()
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// loadFactor reports current occupancy, used to decide whether a put
// needs to trigger a resize before it would otherwise run out of probe
// room (see DESIGN.md, Open Question 1).
func (e *EDB) loadFactor() float64 {
	if e.numSlots == 0 {
		return 1
	}
	return float64(e.entries) / float64(e.numSlots)
}

// encodeIndex/decodeIndex fix the on-disk byte order for Index values,
// independent of sophos.Index's own XOR-mask byte order (spec §9: the
// two conventions must agree with each other, not with anything else).
func encodeIndex(idx sophos.Index) []byte {
	b := make([]byte, sophos.IndexSize)
	binary.LittleEndian.PutUint64(b, uint64(idx))
	return b
}

func decodeIndex(b []byte) sophos.Index {
	return sophos.Index(binary.LittleEndian.Uint64(b))
}
