package bus

import (
	"path/filepath"
	"sort"
)

// LockInfo describes one held lock.
type LockInfo struct {
	Path    string `json:"path"`
	Holder  string `json:"holder"`
	Version int    `json:"version"`
}

// Acquire records workerID as the holder of path and broadcasts file_locked.
// It never blocks: if another worker holds the path it returns false, sends
// file_conflict to the requester and conflict_notification to the holder.
// Re-acquiring a lock already held returns true without a broadcast.
// Locks are advisory; nothing stops a write by a worker that skips this call.
func (b *Bus) Acquire(workerID, path string) bool {
	path = normalizePath(path)

	b.mu.Lock()
	defer b.mu.Unlock()

	holder, held := b.locks[path]
	if held && holder == workerID {
		return true
	}
	if held {
		b.sendIfRegisteredLocked(Message{
			From:    SystemSender,
			To:      workerID,
			Payload: FileConflict{Path: path, Holder: holder},
		})
		b.sendIfRegisteredLocked(Message{
			From:    SystemSender,
			To:      holder,
			Payload: ConflictNotification{Path: path, Requester: workerID},
		})
		b.logger.Info("file lock conflict", "path", path, "holder", holder, "requester", workerID)
		return false
	}

	b.locks[path] = workerID
	b.versions[path]++
	b.sendIfRegisteredLocked(Message{
		From:    workerID,
		To:      Broadcast,
		Payload: FileLocked{Path: path, Holder: workerID, Version: b.versions[path]},
	})
	return true
}

// Release drops workerID's lock on path and broadcasts file_unlocked.
// A release by a non-holder is a no-op.
func (b *Bus) Release(workerID, path string) {
	path = normalizePath(path)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.locks[path] != workerID {
		return
	}
	delete(b.locks, path)
	b.sendIfRegisteredLocked(Message{
		From:    workerID,
		To:      Broadcast,
		Payload: FileUnlocked{Path: path, Holder: workerID},
	})
}

// ReleaseAll drops every lock held by workerID and returns the paths released.
func (b *Bus) ReleaseAll(workerID string) []string {
	b.mu.Lock()
	var paths []string
	for p, h := range b.locks {
		if h == workerID {
			paths = append(paths, p)
		}
	}
	b.mu.Unlock()

	sort.Strings(paths)
	for _, p := range paths {
		b.Release(workerID, p)
	}
	return paths
}

// Holder returns the worker holding path, if any.
func (b *Bus) Holder(path string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.locks[normalizePath(path)]
	return h, ok
}

// Version returns how many times path has been acquired.
func (b *Bus) Version(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.versions[normalizePath(path)]
}

// Locks returns every held lock sorted by path.
func (b *Bus) Locks() []LockInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]LockInfo, 0, len(b.locks))
	for p, h := range b.locks {
		out = append(out, LockInfo{Path: p, Holder: h, Version: b.versions[p]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// sendIfRegisteredLocked sends, logging instead of failing when the direct
// recipient has no inbox. Lock bookkeeping must not depend on registration.
func (b *Bus) sendIfRegisteredLocked(msg Message) {
	if err := b.sendLocked(msg); err != nil {
		b.logger.Debug("lock notification not delivered", "to", msg.To, "kind", msg.Kind(), "error", err)
	}
}

func normalizePath(p string) string {
	return filepath.ToSlash(filepath.Clean(p))
}
