package metrics

import (
	"context"
	"regexp"
	"strconv"
	"sync"
	"time"

	"controlplane/common"

	"github.com/shirou/gopsutil/v3/net"
	log "github.com/sirupsen/logrus"
)

// DefaultInterfacePattern matches Open vSwitch port names such as s3-eth2.
const DefaultInterfacePattern = `^s(\d+)-eth(\d+)$`

type portKey struct {
	sw   common.SwitchID
	port common.PortNo
}

type portSample struct {
	bytes uint64
	at    time.Time
}

// LinkSampler derives per-port utilization from interface byte counters.
type LinkSampler struct {
	interval    time.Duration
	capacityBps float64
	pattern     *regexp.Regexp
	counters    func() ([]net.IOCountersStat, error)
	metrics     *Metrics

	mu          sync.RWMutex
	last        map[portKey]portSample
	utilization map[portKey]float64
}

func NewLinkSampler(interval time.Duration, capacityBps float64, pattern string, m *Metrics) (*LinkSampler, error) {
	if pattern == "" {
		pattern = DefaultInterfacePattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	if capacityBps <= 0 {
		capacityBps = 1e9
	}
	return &LinkSampler{
		interval:    interval,
		capacityBps: capacityBps,
		pattern:     re,
		counters:    func() ([]net.IOCountersStat, error) { return net.IOCounters(true) },
		metrics:     m,
		last:        make(map[portKey]portSample),
		utilization: make(map[portKey]float64),
	}, nil
}

// Run samples on every tick until ctx is done.
func (s *LinkSampler) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.interval = time.Second
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sample(time.Now())
	for {
		select {
		case <-ctx.Done():
			log.Infof("LinkSampler.Run: stopped")
			return
		case now := <-ticker.C:
			s.Sample(now)
		}
	}
}

// Sample reads the counters once. The first reading of a port only sets its
// baseline.
func (s *LinkSampler) Sample(now time.Time) {
	stats, err := s.counters()
	if err != nil {
		log.Warnf("LinkSampler.Sample: read counters: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range stats {
		m := s.pattern.FindStringSubmatch(st.Name)
		if len(m) != 3 {
			continue
		}
		sw, err1 := strconv.ParseUint(m[1], 10, 64)
		port, err2 := strconv.ParseUint(m[2], 10, 32)
		if err1 != nil || err2 != nil {
			continue
		}
		key := portKey{sw: common.SwitchID(sw), port: common.PortNo(port)}
		cur := portSample{bytes: st.BytesSent, at: now}
		prev, ok := s.last[key]
		s.last[key] = cur
		if !ok || !cur.at.After(prev.at) || cur.bytes < prev.bytes {
			continue
		}
		bps := float64(cur.bytes-prev.bytes) * 8 / cur.at.Sub(prev.at).Seconds()
		ratio := bps / s.capacityBps
		if ratio > 1 {
			ratio = 1
		}
		s.utilization[key] = ratio
		if s.metrics != nil {
			s.metrics.SetLinkUtilization(key.sw, key.port, ratio)
		}
	}
}

// Mean is the average utilization over every sampled port.
func (s *LinkSampler) Mean() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.utilization) == 0 {
		return 0
	}
	total := 0.0
	for _, u := range s.utilization {
		total += u
	}
	return total / float64(len(s.utilization))
}

func (s *LinkSampler) Port(sw common.SwitchID, port common.PortNo) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.utilization[portKey{sw: sw, port: port}]
	return u, ok
}

func portLabel(p common.PortNo) string {
	return strconv.FormatUint(uint64(p), 10)
}
