package stat

import (
	"sort"
	"sync"
	"time"
)

const cycleHistory = 10

type CycleStat struct {
	ID        string        `json:"id"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration_ns"`
	Devices   int           `json:"devices"`
	Forwarded int           `json:"forwarded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Stale     int           `json:"stale"`
	Error     string        `json:"error,omitempty"`
}

func (c CycleStat) Ok() bool {
	return c.Error == ""
}

type DeviceStat struct {
	ID                  string     `json:"id"`
	Forwarded           uint64     `json:"forwarded"`
	Failed              uint64     `json:"failed"`
	Stale               uint64     `json:"stale"`
	ConsecutiveFailures uint64     `json:"consecutive_failures"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFix             *time.Time `json:"last_fix,omitempty"`
	LastErrorKind       string     `json:"last_error_kind,omitempty"`
}

type Snapshot struct {
	Since           time.Time         `json:"since"`
	SuppressedTicks uint64            `json:"suppressed_ticks"`
	LastSuppressed  *time.Time        `json:"last_suppressed,omitempty"`
	Devices         []DeviceStat      `json:"devices"`
	Unmappable      map[string]uint64 `json:"unmappable"`
	Cycles          []CycleStat       `json:"cycles"`
}

type cycle_ring struct {
	list [cycleHistory]CycleStat
	idx  int
	n    int
}

func (r *cycle_ring) push(c CycleStat) {
	r.list[r.idx] = c
	r.idx = r.idx + 1
	if r.idx == len(r.list) {
		r.idx = 0
	}
	if r.n < len(r.list) {
		r.n = r.n + 1
	}
}

// newest first
func (r *cycle_ring) items() []CycleStat {
	out := make([]CycleStat, 0, r.n)
	for i := 1; i <= r.n; i++ {
		j := (r.idx - i + len(r.list)) % len(r.list)
		out = append(out, r.list[j])
	}
	return out
}

// Stat counts forwarding outcomes per tracking identifier and keeps the most
// recent cycles. Counters only grow; they carry no forwarding semantics.
type Stat struct {
	mu             sync.Mutex
	devices        map[string]*DeviceStat
	unmappable     map[string]uint64
	cycles         cycle_ring
	suppressed     uint64
	lastSuppressed time.Time
	created        time.Time
}

func NewStat() *Stat {
	o := &Stat{}
	o.devices = make(map[string]*DeviceStat)
	o.unmappable = make(map[string]uint64)
	o.created = time.Now().UTC()
	return o
}

func (s *Stat) device(id string) *DeviceStat {
	d, ok := s.devices[id]
	if !ok {
		d = &DeviceStat{ID: id}
		s.devices[id] = d
	}
	return d
}

func (s *Stat) ForwardEv(id string, fix time.Time, t time.Time) {
	s.mu.Lock()
	d := s.device(id)
	d.Forwarded = d.Forwarded + 1
	d.ConsecutiveFailures = 0
	d.LastErrorKind = ""
	fix, t = fix.UTC(), t.UTC()
	d.LastFix = &fix
	d.LastSuccess = &t
	s.mu.Unlock()
}

func (s *Stat) FailureEv(id string, kind string) {
	s.mu.Lock()
	d := s.device(id)
	d.Failed = d.Failed + 1
	d.ConsecutiveFailures = d.ConsecutiveFailures + 1
	d.LastErrorKind = kind
	s.mu.Unlock()
}

func (s *Stat) StaleEv(id string) {
	s.mu.Lock()
	d := s.device(id)
	d.Stale = d.Stale + 1
	s.mu.Unlock()
}

// UnmappableEv is keyed by device name since there is no identifier.
func (s *Stat) UnmappableEv(name string) {
	s.mu.Lock()
	s.unmappable[name] = s.unmappable[name] + 1
	s.mu.Unlock()
}

func (s *Stat) CycleEv(c CycleStat) {
	s.mu.Lock()
	s.cycles.push(c)
	s.mu.Unlock()
}

func (s *Stat) SuppressedEv(t time.Time) {
	s.mu.Lock()
	s.suppressed = s.suppressed + 1
	s.lastSuppressed = t.UTC()
	s.mu.Unlock()
}

func (s *Stat) LastCycle() (CycleStat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cycles.n == 0 {
		return CycleStat{}, false
	}
	return s.cycles.items()[0], true
}

func (s *Stat) Device(id string) (DeviceStat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return DeviceStat{}, false
	}
	return *d, true
}

// Snapshot returns a copy that is safe to encode while the poller keeps running.
func (s *Stat) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Since: s.created, SuppressedTicks: s.suppressed}
	if !s.lastSuppressed.IsZero() {
		t := s.lastSuppressed
		snap.LastSuppressed = &t
	}
	snap.Devices = make([]DeviceStat, 0, len(s.devices))
	for _, d := range s.devices {
		snap.Devices = append(snap.Devices, *d)
	}
	sort.Slice(snap.Devices, func(i, j int) bool { return snap.Devices[i].ID < snap.Devices[j].ID })
	snap.Unmappable = make(map[string]uint64, len(s.unmappable))
	for k, v := range s.unmappable {
		snap.Unmappable[k] = v
	}
	snap.Cycles = s.cycles.items()
	return snap
}
