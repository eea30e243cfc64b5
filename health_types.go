package pluginhost

import "time"

// HealthSnapshot is the latest health result for one module.
type HealthSnapshot struct {
	ModuleID            string         `json:"moduleId"`
	Version             string         `json:"version"`
	Healthy             bool           `json:"healthy"`
	Message             string         `json:"message,omitempty"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
	LastCheck           time.Time      `json:"lastCheck"`
	ResourceUsage       map[string]any `json:"resourceUsage,omitempty"`
}

// recoveryStage is how far the automatic recovery ladder has progressed in the
// current unhealthy episode.
type recoveryStage int

const (
	stageNone recoveryStage = iota
	stageRestarted
	stageReloaded
	stageExhausted
)

func (s recoveryStage) String() string {
	switch s {
	case stageRestarted:
		return "restart"
	case stageReloaded:
		return "reload"
	case stageExhausted:
		return "exhausted"
	}
	return "none"
}

// healthHistory is a fixed-size ring of snapshots. When full, the oldest
// entry is overwritten.
type healthHistory struct {
	buf  []HealthSnapshot
	next int
	full bool
}

func newHealthHistory(size int) *healthHistory {
	if size < 1 {
		size = 1
	}
	return &healthHistory{buf: make([]HealthSnapshot, size)}
}

func (h *healthHistory) add(s HealthSnapshot) {
	h.buf[h.next] = s
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// list returns the retained snapshots, oldest first.
func (h *healthHistory) list() []HealthSnapshot {
	if !h.full {
		return append([]HealthSnapshot(nil), h.buf[:h.next]...)
	}
	out := make([]HealthSnapshot, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}
