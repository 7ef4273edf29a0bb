package topology

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"controlplane/common"

	log "github.com/sirupsen/logrus"
)

// TopologyInfo mirrors topology_info.json written by the network provisioner.
type TopologyInfo struct {
	Switches map[string]SwitchInfo `json:"switches"`
	Hosts    map[string]HostInfo   `json:"hosts"`
	Links    []LinkInfo            `json:"links"`
}

type SwitchInfo struct {
	DPID  uint64            `json:"dpid"`
	Ports map[string]uint32 `json:"ports"`
}

type HostInfo struct {
	IP          string `json:"ip"`
	MAC         string `json:"mac"`
	ConnectedTo string `json:"connected_to"`
}

type LinkInfo struct {
	Src  string `json:"src"`
	Dst  string `json:"dst"`
	Port uint32 `json:"port"`
}

// FileStore loads the provisioning file and tracks its md5 so callers only
// re-apply it when it actually changed.
type FileStore struct {
	path string
	lock sync.RWMutex
	info *TopologyInfo
	hash string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Reload re-reads the file. changed is true when the content hash differs
// from the last successful load.
func (fs *FileStore) Reload() (changed bool, err error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		return false, fmt.Errorf("read topology file %s: %w", fs.path, err)
	}
	sum := md5.Sum(data)
	hash := hex.EncodeToString(sum[:])

	fs.lock.RLock()
	same := hash == fs.hash
	fs.lock.RUnlock()
	if same {
		return false, nil
	}

	var info TopologyInfo
	if err := json.Unmarshal(data, &info); err != nil {
		log.Warningf("Reload: error unmarshalling %s: %v", fs.path, err)
		return false, fmt.Errorf("parse topology file %s: %w", fs.path, err)
	}

	fs.lock.Lock()
	fs.info = &info
	fs.hash = hash
	fs.lock.Unlock()

	log.Infof("Reload: loaded %s, switches=%d, hosts=%d, hash=%s", fs.path, len(info.Switches), len(info.Hosts), hash)
	return true, nil
}

func (fs *FileStore) Hash() string {
	fs.lock.RLock()
	defer fs.lock.RUnlock()
	return fs.hash
}

func (fs *FileStore) Info() *TopologyInfo {
	fs.lock.RLock()
	defer fs.lock.RUnlock()
	return fs.info
}

// SwitchName returns the provisioner name of a dpid, or "" when unknown.
func (info *TopologyInfo) SwitchName(id common.SwitchID) string {
	for name, sw := range info.Switches {
		if common.SwitchID(sw.DPID) == id {
			return name
		}
	}
	return ""
}

// HostAttachments resolves every host to its switch and host-facing port.
func (info *TopologyInfo) HostAttachments() []Host {
	var hosts []Host
	for name, h := range info.Hosts {
		sw, ok := info.Switches[h.ConnectedTo]
		if !ok {
			log.Warningf("HostAttachments: host %s attached to unknown switch %s", name, h.ConnectedTo)
			continue
		}
		port, ok := sw.Ports[name]
		if !ok {
			port = 1
		}
		hosts = append(hosts, Host{
			Name:   name,
			IP:     h.IP,
			MAC:    h.MAC,
			Switch: common.SwitchID(sw.DPID),
			Port:   common.PortNo(port),
		})
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
	return hosts
}

// SwitchLinks returns one directional link per switch-to-switch pair found in
// the links list; ports for both ends come from the switches' port maps.
func (info *TopologyInfo) SwitchLinks() []common.Link {
	var out []common.Link
	for _, li := range info.Links {
		if !strings.HasPrefix(li.Src, "s") || !strings.HasPrefix(li.Dst, "s") {
			continue
		}
		src, okSrc := info.Switches[li.Src]
		dst, okDst := info.Switches[li.Dst]
		if !okSrc || !okDst {
			log.Warningf("SwitchLinks: link %s-%s references unknown switch", li.Src, li.Dst)
			continue
		}
		fromPort := li.Port
		if p, ok := src.Ports[li.Dst]; ok {
			fromPort = p
		}
		toPort, ok := dst.Ports[li.Src]
		if !ok {
			log.Warningf("SwitchLinks: switch %s has no port toward %s", li.Dst, li.Src)
			continue
		}
		out = append(out, common.Link{
			From:     common.SwitchID(src.DPID),
			FromPort: common.PortNo(fromPort),
			To:       common.SwitchID(dst.DPID),
			ToPort:   common.PortNo(toPort),
		})
	}
	return out
}
