package tunnel

import "sync"

// Project describes one project directory known to the local daemon.
type Project struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// Terminal describes one live terminal session.
type Terminal struct {
	ID          string `json:"id"`
	ProjectPath string `json:"projectPath"`
}

// Metadata is the snapshot answered on the reserved metadata poll path.
type Metadata struct {
	Projects  []Project  `json:"projects"`
	Terminals []Terminal `json:"terminals"`
}

// metadataCache holds the most recent snapshot. Every update replaces the
// previous value wholesale; there is no merging and no other lifecycle.
type metadataCache struct {
	mu   sync.RWMutex
	snap Metadata
}

func (m *metadataCache) Replace(snap Metadata) {
	cp := Metadata{
		Projects:  append([]Project(nil), snap.Projects...),
		Terminals: append([]Terminal(nil), snap.Terminals...),
	}
	m.mu.Lock()
	m.snap = cp
	m.mu.Unlock()
}

// Snapshot returns the current metadata with both slices non-nil, so the
// poll response always carries JSON arrays.
func (m *metadataCache) Snapshot() Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := m.snap
	if snap.Projects == nil {
		snap.Projects = []Project{}
	}
	if snap.Terminals == nil {
		snap.Terminals = []Terminal{}
	}
	return snap
}

// SendMetadata replaces the cached metadata snapshot. It may be called any
// number of times, before or after Connect; it has no network effect by
// itself and only changes what the reserved poll path answers next.
func (c *Client) SendMetadata(snap Metadata) {
	c.meta.Replace(snap)
}
