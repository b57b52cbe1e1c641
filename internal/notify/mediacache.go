package notify

import "sync"

// mediaCache holds the one reusable Telegram file id of a dispatch cycle.
//
// The first successful screenshot send uploads by URL; the file id Telegram
// assigns is captured here and every later screenshot recipient in the same
// cycle reuses it instead of re-fetching the thumbnail. The cache dies with
// the cycle: the thumbnail changes per live session, so persisting the
// handle would pin a stale frame.
type mediaCache struct {
	mu     sync.Mutex
	fileID string
}

func (m *mediaCache) get() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fileID, m.fileID != ""
}

func (m *mediaCache) put(fileID string) {
	if fileID == "" {
		return
	}
	m.mu.Lock()
	if m.fileID == "" {
		m.fileID = fileID
	}
	m.mu.Unlock()
}
