package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/lox/baucua/internal/ledger"
)

// memoryImage is the on-disk form of a Memory store.
type memoryImage struct {
	Rooms   []Room       `json:"rooms"`
	Members []Membership `json:"members"`
	// Rounds are listed room by room in creation order.
	Rounds  []Round          `json:"rounds"`
	Wallets map[string]int64 `json:"wallets"`
	Applied []string         `json:"applied"`
}

func (s *Memory) image() memoryImage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	img := memoryImage{
		Wallets: make(map[string]int64, len(s.wallets)),
		Applied: make([]string, 0, len(s.applied)),
	}
	for _, r := range s.rooms {
		img.Rooms = append(img.Rooms, r)
	}
	sort.Slice(img.Rooms, func(i, j int) bool { return img.Rooms[i].ID < img.Rooms[j].ID })

	for _, m := range s.members {
		img.Members = append(img.Members, m.Clone())
	}
	SortByJoinTime(img.Members)

	for _, room := range img.Rooms {
		for _, id := range s.roomRounds[room.ID] {
			img.Rounds = append(img.Rounds, s.rounds[id].Clone())
		}
	}
	for user, bal := range s.wallets {
		img.Wallets[user] = bal
	}
	for key := range s.applied {
		img.Applied = append(img.Applied, key)
	}
	sort.Strings(img.Applied)
	return img
}

func (s *Memory) restore(img memoryImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range img.Rooms {
		if _, taken := s.codes[r.Code]; taken {
			return fmt.Errorf("duplicate room code %s", r.Code)
		}
		s.rooms[r.ID] = r
		s.codes[r.Code] = r.ID
	}
	for _, m := range img.Members {
		if _, ok := s.rooms[m.RoomID]; !ok {
			return fmt.Errorf("member %s of unknown room %s", m.UserID, m.RoomID)
		}
		if m.BetDetails == nil {
			m.BetDetails = ledger.Bets{}
		}
		s.members[memberKey{m.RoomID, m.UserID}] = m.Clone()
	}
	for _, r := range img.Rounds {
		if _, ok := s.rooms[r.RoomID]; !ok {
			return fmt.Errorf("round %s of unknown room %s", r.ID, r.RoomID)
		}
		s.rounds[r.ID] = r.Clone()
		s.roomRounds[r.RoomID] = append(s.roomRounds[r.RoomID], r.ID)
	}
	for user, bal := range img.Wallets {
		s.wallets[user] = bal
	}
	for _, key := range img.Applied {
		s.applied[key] = struct{}{}
	}
	return nil
}

// SaveFile writes the whole store to path. Readers of path see either the
// previous contents or the new ones, never a partial write.
func (s *Memory) SaveFile(path string) error {
	data, err := json.MarshalIndent(s.image(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	return writeFileAtomic(path, data, 0o600)
}

// LoadMemoryFile reads a store written by SaveFile. A missing file yields an
// empty store.
func LoadMemoryFile(path string) (*Memory, error) {
	s := NewMemory()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	var img memoryImage
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := s.restore(img); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return s, nil
}

// FileMemory is a Memory store loaded from a file and written back to it on
// Close.
type FileMemory struct {
	*Memory
	path string
}

func OpenFileMemory(path string) (*FileMemory, error) {
	m, err := LoadMemoryFile(path)
	if err != nil {
		return nil, err
	}
	return &FileMemory{Memory: m, path: path}, nil
}

func (f *FileMemory) Close() error {
	return f.SaveFile(f.path)
}

// writeFileAtomic writes to a temporary file in the same directory and
// renames it over filename.
func writeFileAtomic(filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(filename)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Ensure temp file is cleaned up on error
	defer func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	tmpFile = nil // Prevent defer cleanup

	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, filename); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
