package flow_table

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"controlplane/common"

	cmap "github.com/orcaman/concurrent-map/v2"
	log "github.com/sirupsen/logrus"
)

type FlowState int

const (
	StatePending FlowState = iota
	StateInstalled
	StateStale
	StateRerouting
	StateFailed
)

func (s FlowState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateInstalled:
		return "Installed"
	case StateStale:
		return "Stale"
	case StateRerouting:
		return "Rerouting"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// FlowRecord is a snapshot of the table's view of one flow. Callers get
// copies; only the table mutates the stored record.
type FlowRecord struct {
	Key          common.FlowKey
	Path         common.Path
	Handles      []common.RuleRef
	State        FlowState
	InstalledAt  time.Time
	UpdatedAt    time.Time
	LastGoodPath common.Path
}

func (r FlowRecord) clone() FlowRecord {
	out := r
	out.Path = r.Path.Clone()
	out.LastGoodPath = r.LastGoodPath.Clone()
	if r.Handles != nil {
		out.Handles = make([]common.RuleRef, len(r.Handles))
		copy(out.Handles, r.Handles)
	}
	return out
}

type flowEntry struct {
	mu     sync.Mutex
	record FlowRecord
}

// Admission is the outcome of TryInstall.
type Admission struct {
	Accepted bool
	// Existing is the path of the record that blocked the request.
	Existing common.Path
	// Displaced holds the rules of a failed record that the new install
	// replaced; the caller removes them from the switches.
	Displaced []common.RuleRef
}

// FlowTable holds at most one record per FlowKey and is the single mutation
// point for forwarding state.
type FlowTable struct {
	flows           cmap.ConcurrentMap[string, *flowEntry]
	expiration      time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	hookMu   sync.RWMutex
	onExpire func(common.FlowKey)

	statsMutex    sync.Mutex
	totalInstalls int64
	rejected      int64
	superseded    int64
	failed        int64
	expired       int64
}

// NewFlowTable starts the expiry loop when cleanupInterval is positive.
// Records installed longer than expiration ago are dropped; the switches
// age the rules out on their own through the hard timeout.
func NewFlowTable(expiration, cleanupInterval time.Duration) *FlowTable {
	ft := &FlowTable{
		flows:           cmap.New[*flowEntry](),
		expiration:      expiration,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	if cleanupInterval > 0 && expiration > 0 {
		go ft.cleanupExpiredFlows()
	}
	return ft
}

func (ft *FlowTable) Stop() {
	ft.stopOnce.Do(func() { close(ft.stopCleanup) })
}

// OnExpire registers fn to run for every record the expiry loop drops.
func (ft *FlowTable) OnExpire(fn func(common.FlowKey)) {
	ft.hookMu.Lock()
	defer ft.hookMu.Unlock()
	ft.onExpire = fn
}

// TryInstall admits at most one in-flight installation per key. A key whose
// record has failed may be taken over.
func (ft *FlowTable) TryInstall(key common.FlowKey, path common.Path) Admission {
	now := time.Now()
	candidate := &flowEntry{record: FlowRecord{
		Key:       key,
		Path:      path.Clone(),
		State:     StatePending,
		UpdatedAt: now,
	}}

	var admission Admission
	winner := ft.flows.Upsert(key.String(), candidate, func(exist bool, inMap, newValue *flowEntry) *flowEntry {
		if !exist {
			return newValue
		}
		inMap.mu.Lock()
		defer inMap.mu.Unlock()
		if inMap.record.State == StateFailed {
			admission.Displaced = inMap.record.Handles
			newValue.record.LastGoodPath = inMap.record.LastGoodPath.Clone()
			return newValue
		}
		admission.Existing = inMap.record.Path.Clone()
		return inMap
	})

	ft.statsMutex.Lock()
	if winner == candidate {
		admission.Accepted = true
		ft.totalInstalls++
	} else {
		ft.rejected++
	}
	ft.statsMutex.Unlock()

	if admission.Accepted {
		log.Debugf("[FlowTable]TryInstall, flow=%s, path=%s accepted", key, path)
	} else {
		log.Infof("[FlowTable]TryInstall, flow=%s already active on %s", key, admission.Existing)
	}
	return admission
}

func (ft *FlowTable) entry(key common.FlowKey) (*flowEntry, error) {
	e, ok := ft.flows.Get(key.String())
	if !ok {
		return nil, fmt.Errorf("%w: flow %s", common.ErrNotFound, key)
	}
	return e, nil
}

// MarkInstalled records the confirmed rule handles for the record's current
// path. Only Pending and Rerouting records can be confirmed.
func (ft *FlowTable) MarkInstalled(key common.FlowKey, handles []common.RuleRef) error {
	e, err := ft.entry(key)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.record.State != StatePending && e.record.State != StateRerouting {
		return fmt.Errorf("mark installed %s: unexpected state %s", key, e.record.State)
	}
	now := time.Now()
	e.record.Handles = append([]common.RuleRef(nil), handles...)
	e.record.State = StateInstalled
	e.record.InstalledAt = now
	e.record.UpdatedAt = now
	e.record.LastGoodPath = e.record.Path.Clone()

	log.Infof("[FlowTable]MarkInstalled, flow=%s, path=%s, rules=%d", key, e.record.Path, len(handles))
	return nil
}

// Supersede is the only way to replace an active path. It returns the rule
// handles of the previous path so the caller can remove them.
func (ft *FlowTable) Supersede(key common.FlowKey, newPath common.Path) ([]common.RuleRef, error) {
	e, err := ft.entry(key)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.record.Handles
	oldPath := e.record.Path
	e.record.Path = newPath.Clone()
	e.record.Handles = nil
	e.record.State = StateRerouting
	e.record.UpdatedAt = time.Now()

	ft.statsMutex.Lock()
	ft.superseded++
	ft.statsMutex.Unlock()

	log.Infof("[FlowTable]Supersede, flow=%s, %s -> %s, releasing %d rules", key, oldPath, newPath, len(old))
	return old, nil
}

// Override supersedes a settled flow (Installed, Stale or Failed) with an
// administratively chosen path. Flows with an install or reroute in flight
// are refused with ErrAlreadyActive.
func (ft *FlowTable) Override(key common.FlowKey, newPath common.Path) ([]common.RuleRef, error) {
	e, err := ft.entry(key)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record.State == StatePending || e.record.State == StateRerouting {
		return nil, fmt.Errorf("%w: flow %s is %s", common.ErrAlreadyActive, key, e.record.State)
	}
	old := e.record.Handles
	e.record.Path = newPath.Clone()
	e.record.Handles = nil
	e.record.State = StateRerouting
	e.record.UpdatedAt = time.Now()

	ft.statsMutex.Lock()
	ft.superseded++
	ft.statsMutex.Unlock()

	log.Infof("[FlowTable]Override, flow=%s -> %s, releasing %d rules", key, newPath, len(old))
	return old, nil
}

// MarkStale flags every installed flow whose path traverses the link and
// returns their keys. Pending installs are left to the installer, which
// revalidates the path once its rules are confirmed.
func (ft *FlowTable) MarkStale(link common.Link) []common.FlowKey {
	var keys []common.FlowKey
	for item := range ft.flows.IterBuffered() {
		e := item.Val
		e.mu.Lock()
		if e.record.State == StateInstalled && e.record.Path.Traverses(link.From, link.To) {
			e.record.State = StateStale
			e.record.UpdatedAt = time.Now()
			keys = append(keys, e.record.Key)
		}
		e.mu.Unlock()
	}
	if len(keys) > 0 {
		log.Infof("[FlowTable]MarkStale, link=%s, affected=%d", link, len(keys))
	}
	sortKeys(keys)
	return keys
}

// MarkFlowStale flags a single installed flow, used when a path turned out
// to be dead right after its rules were confirmed.
func (ft *FlowTable) MarkFlowStale(key common.FlowKey) bool {
	e, err := ft.entry(key)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record.State != StateInstalled {
		return false
	}
	e.record.State = StateStale
	e.record.UpdatedAt = time.Now()
	return true
}

// LinkDown makes the table a topology watcher.
func (ft *FlowTable) LinkDown(link common.Link) {
	ft.MarkStale(link)
}

func (ft *FlowTable) LinkUp(common.Link) {}

// BeginReroute moves a Stale record to Rerouting. Only one caller wins.
func (ft *FlowTable) BeginReroute(key common.FlowKey) (FlowRecord, bool) {
	e, err := ft.entry(key)
	if err != nil {
		return FlowRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record.State != StateStale {
		return FlowRecord{}, false
	}
	e.record.State = StateRerouting
	e.record.UpdatedAt = time.Now()
	return e.record.clone(), true
}

// Restore returns a Stale or Rerouting record to Installed without touching
// its rules, used when the old path became valid again.
func (ft *FlowTable) Restore(key common.FlowKey) bool {
	e, err := ft.entry(key)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record.State != StateStale && e.record.State != StateRerouting {
		return false
	}
	if e.record.Handles == nil {
		return false
	}
	e.record.State = StateInstalled
	e.record.UpdatedAt = time.Now()
	log.Infof("[FlowTable]Restore, flow=%s back on %s", key, e.record.Path)
	return true
}

// MarkFailed keeps the record and its current rules as the last known-good
// state. A later TryInstall can take the key over.
func (ft *FlowTable) MarkFailed(key common.FlowKey) error {
	e, err := ft.entry(key)
	if err != nil {
		return err
	}
	e.mu.Lock()
	prev := e.record.State
	e.record.State = StateFailed
	e.record.UpdatedAt = time.Now()
	e.mu.Unlock()

	ft.statsMutex.Lock()
	ft.failed++
	ft.statsMutex.Unlock()

	log.Warnf("[FlowTable]MarkFailed, flow=%s, %s -> %s", key, prev, StateFailed)
	return nil
}

// Remove drops the record and returns the rule handles it held.
func (ft *FlowTable) Remove(key common.FlowKey) ([]common.RuleRef, bool) {
	e, ok := ft.flows.Pop(key.String())
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	handles := e.record.Handles
	e.mu.Unlock()
	log.Infof("[FlowTable]Remove, flow=%s, rules=%d", key, len(handles))
	return handles, true
}

func (ft *FlowTable) Lookup(key common.FlowKey) (FlowRecord, error) {
	e, err := ft.entry(key)
	if err != nil {
		return FlowRecord{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.clone(), nil
}

func (ft *FlowTable) Count() int {
	return ft.flows.Count()
}

// Snapshot returns copies of every record ordered by key.
func (ft *FlowTable) Snapshot() []FlowRecord {
	out := make([]FlowRecord, 0, ft.flows.Count())
	for item := range ft.flows.IterBuffered() {
		item.Val.mu.Lock()
		out = append(out, item.Val.record.clone())
		item.Val.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

type Stats struct {
	Active        int   `json:"active"`
	TotalInstalls int64 `json:"total_installs"`
	Rejected      int64 `json:"rejected"`
	Superseded    int64 `json:"superseded"`
	Failed        int64 `json:"failed"`
	Expired       int64 `json:"expired"`
}

func (ft *FlowTable) GetStats() Stats {
	ft.statsMutex.Lock()
	defer ft.statsMutex.Unlock()
	return Stats{
		Active:        ft.flows.Count(),
		TotalInstalls: ft.totalInstalls,
		Rejected:      ft.rejected,
		Superseded:    ft.superseded,
		Failed:        ft.failed,
		Expired:       ft.expired,
	}
}

func (ft *FlowTable) cleanupExpiredFlows() {
	ticker := time.NewTicker(ft.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ft.stopCleanup:
			return
		case <-ticker.C:
			ft.doCleanup(time.Now())
		}
	}
}

func (ft *FlowTable) doCleanup(now time.Time) int {
	var expired []string
	for item := range ft.flows.IterBuffered() {
		e := item.Val
		e.mu.Lock()
		settled := e.record.State == StateInstalled || e.record.State == StateFailed
		age := now.Sub(e.record.InstalledAt)
		if e.record.InstalledAt.IsZero() {
			age = now.Sub(e.record.UpdatedAt)
		}
		e.mu.Unlock()
		if settled && age > ft.expiration {
			expired = append(expired, item.Key)
		}
	}

	var removed []common.FlowKey
	for _, k := range expired {
		ft.flows.RemoveCb(k, func(key string, e *flowEntry, exists bool) bool {
			if !exists {
				return false
			}
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.record.State != StateInstalled && e.record.State != StateFailed {
				return false
			}
			removed = append(removed, e.record.Key)
			return true
		})
	}
	if len(removed) == 0 {
		return 0
	}

	ft.statsMutex.Lock()
	ft.expired += int64(len(removed))
	ft.statsMutex.Unlock()
	log.Infof("[FlowTable]doCleanup, expired=%d", len(removed))

	ft.hookMu.RLock()
	fn := ft.onExpire
	ft.hookMu.RUnlock()
	if fn != nil {
		for _, key := range removed {
			fn(key)
		}
	}
	return len(removed)
}

func sortKeys(keys []common.FlowKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}
