// Package room implements the per-room authoritative playback state and the
// serialize-once broadcast fan-out.
package room

import (
	"encoding/json"
	"sync"
	"time"
)

// Playback states.
const (
	StatePause uint8 = 0
	StatePlay  uint8 = 1
	StateMax         = StatePlay
)

// Client-side player implementations.
const (
	PlayerJW     uint8 = 0
	PlayerNormal uint8 = 1
	PlayerMax          = PlayerNormal
)

const (
	// MaxVideoLen bounds playback positions, in milliseconds (4 hours).
	MaxVideoLen int64 = 4 * 3600 * 1000
	// SyncTimeout is the drift threshold beyond which a reported position
	// forces a resync broadcast.
	SyncTimeout = 5 * time.Second
)

// Permission is a bitmask of room control capabilities.
type Permission uint8

const (
	PermissionRestricted   Permission = 0b000
	PermissionControllable Permission = 0b001
	PermissionChanger      Permission = 0b010
	PermissionAll                     = PermissionControllable | PermissionChanger
)

// Has reports whether all the given bits are set.
func (p Permission) Has(bits Permission) bool {
	return p&bits == bits
}

// Snapshot is the full playback state pushed to a client on join and on
// resync, serialized into the video_data packet.
type Snapshot struct {
	URL           string     `json:"url"`
	CCURL         string     `json:"cc_url"`
	Time          int64      `json:"time"`
	State         uint8      `json:"state"`
	CurrentPlayer uint8      `json:"current_player"`
	Permission    Permission `json:"permission"`
}

// VideoData is the authoritative playback state of one room, guarded by a
// reader/writer lock. Writers are rare (owner commands).
type VideoData struct {
	mu            sync.RWMutex
	url           string
	ccURL         string
	currentPlayer uint8
	timeMs        int64
	state         uint8
	lastTouchedMs int64
	permission    Permission

	now func() time.Time // swappable for tests
}

// NewVideoData creates paused playback state at position zero.
func NewVideoData(url, ccURL string, currentPlayer uint8, permission Permission) *VideoData {
	v := &VideoData{
		url:           url,
		ccURL:         ccURL,
		currentPlayer: currentPlayer,
		state:         StatePause,
		permission:    permission,
		now:           time.Now,
	}
	v.lastTouchedMs = v.now().UnixMilli()
	return v
}

func clampTime(ms int64) int64 {
	if ms < 0 {
		return 0
	}
	if ms > MaxVideoLen {
		return MaxVideoLen
	}
	return ms
}

// SetTime updates the authoritative position.
func (v *VideoData) SetTime(ms int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.timeMs = clampTime(ms)
	v.lastTouchedMs = v.now().UnixMilli()
}

// SetState updates position and play/pause state in one write.
func (v *VideoData) SetState(ms int64, state uint8) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.timeMs = clampTime(ms)
	v.state = state
	v.lastTouchedMs = v.now().UnixMilli()
}

// Refresh advances the stored position by the wall-clock time elapsed since
// the last write when playing. Called opportunistically before reads that
// must appear fresh.
func (v *VideoData) Refresh() {
	v.mu.Lock()
	defer v.mu.Unlock()
	nowMs := v.now().UnixMilli()
	if v.state == StatePlay {
		v.timeMs = clampTime(v.timeMs + (nowMs - v.lastTouchedMs))
	}
	v.lastTouchedMs = nowMs
}

// Projected returns the position the room is at right now: the stored
// position when paused, advanced by elapsed wall-clock time when playing.
func (v *VideoData) Projected() (timeMs int64, state uint8) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.projectedLocked(), v.state
}

func (v *VideoData) projectedLocked() int64 {
	if v.state != StatePlay {
		return v.timeMs
	}
	return clampTime(v.timeMs + (v.now().UnixMilli() - v.lastTouchedMs))
}

// State returns the current play/pause state.
func (v *VideoData) State() uint8 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// Permission returns the room's permission mask inherited by guests.
func (v *VideoData) Permission() Permission {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.permission
}

// Snapshot captures the projected state as seen by a connection holding the
// given permission mask.
func (v *VideoData) Snapshot(perm Permission) Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return Snapshot{
		URL:           v.url,
		CCURL:         v.ccURL,
		Time:          v.projectedLocked(),
		State:         v.state,
		CurrentPlayer: v.currentPlayer,
		Permission:    perm,
	}
}

// SnapshotJSON is Snapshot serialized for the video_data packet argument.
func (v *VideoData) SnapshotJSON(perm Permission) ([]byte, error) {
	return json.Marshal(v.Snapshot(perm))
}
