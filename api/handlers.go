package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"controlplane/common"
	"controlplane/flow_table"
	"controlplane/metrics"
	"controlplane/topology"
)

// Control is what the admin API drives. *controller.Controller satisfies it.
type Control interface {
	ForcePath(ctx context.Context, key common.FlowKey, path common.Path) (common.Path, error)
	ForceShortestPath(ctx context.Context, key common.FlowKey) (common.Path, error)
	StateVector() common.StateVector
	Flows() []flow_table.FlowRecord
	Table() *flow_table.FlowTable
	Topology() *topology.TopologyManager
}

// PathRequest is the body of the force endpoints. IsTCP defaults to true;
// only TCP flows are routed.
type PathRequest struct {
	SrcIP string   `json:"src_ip"`
	DstIP string   `json:"dst_ip"`
	IsTCP *bool    `json:"is_tcp,omitempty"`
	Path  []uint64 `json:"path,omitempty"`
}

type FlowView struct {
	Flow        string   `json:"flow"`
	State       string   `json:"state"`
	Path        []uint64 `json:"path"`
	Rules       int      `json:"rules"`
	InstalledAt string   `json:"installed_at,omitempty"`
}

type LinkView struct {
	From     uint64 `json:"from"`
	FromPort uint32 `json:"from_port"`
	To       uint64 `json:"to"`
	ToPort   uint32 `json:"to_port"`
	Up       bool   `json:"up"`
}

type HostView struct {
	Name   string `json:"name"`
	IP     string `json:"ip"`
	Switch uint64 `json:"switch"`
	Port   uint32 `json:"port"`
}

type TopologyView struct {
	Switches   []uint64   `json:"switches"`
	Links      []LinkView `json:"links"`
	Hosts      []HostView `json:"hosts"`
	Generation uint64     `json:"generation"`
	Density    float64    `json:"density"`
}

type StatsView struct {
	State    map[string]float64      `json:"state"`
	Flows    flow_table.Stats        `json:"flows"`
	Outcomes map[string]float64      `json:"outcomes"`
	Recent   []metrics.OutcomeRecord `json:"recent,omitempty"`
}

type Handler struct {
	control Control
	metrics *metrics.Metrics
}

func NewHandler(control Control, m *metrics.Metrics) *Handler {
	return &Handler{control: control, metrics: m}
}

func decodePathRequest(r *http.Request) (common.FlowKey, common.Path, error) {
	var req PathRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return common.FlowKey{}, nil, fmt.Errorf("invalid request body: %v", err)
	}
	if req.SrcIP == "" || req.DstIP == "" {
		return common.FlowKey{}, nil, fmt.Errorf("missing src_ip or dst_ip")
	}
	if req.IsTCP != nil && !*req.IsTCP {
		return common.FlowKey{}, nil, fmt.Errorf("only TCP flows can be forced")
	}
	var path common.Path
	for _, sw := range req.Path {
		path = append(path, common.SwitchID(sw))
	}
	return common.FlowKey{Src: req.SrcIP, Dst: req.DstIP, Proto: common.ProtocolTCP}, path, nil
}

// HandleForcePath installs the requested path, or the decision client's
// choice when none is given.
func (h *Handler) HandleForcePath(w http.ResponseWriter, r *http.Request) {
	key, path, err := decodePathRequest(r)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	installed, err := h.control.ForcePath(r.Context(), key, path)
	if err != nil {
		RespondWithError(w, statusFor(err), err.Error())
		return
	}
	RespondWithSuccess(w, fmt.Sprintf("Path %s installed for %s -> %s", installed, key.Src, key.Dst), installed, nil)
}

// HandleForceShortestPath installs the requested path, or the topology's
// shortest path when none is given.
func (h *Handler) HandleForceShortestPath(w http.ResponseWriter, r *http.Request) {
	key, path, err := decodePathRequest(r)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var installed common.Path
	if len(path) > 0 {
		installed, err = h.control.ForcePath(r.Context(), key, path)
	} else {
		installed, err = h.control.ForceShortestPath(r.Context(), key)
	}
	if err != nil {
		RespondWithError(w, statusFor(err), err.Error())
		return
	}
	RespondWithSuccess(w, fmt.Sprintf("Shortest path %s installed for %s -> %s", installed, key.Src, key.Dst), installed, nil)
}

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	state := h.control.StateVector()
	view := StatsView{
		State: map[string]float64{
			"flow_count":       state.FlowCount,
			"link_utilization": state.LinkUtilization,
			"recent_reward":    state.RecentReward,
			"exploration":      state.Exploration,
		},
		Flows: h.control.Table().GetStats(),
	}
	if h.metrics != nil {
		view.Outcomes = h.metrics.OutcomeCounts()
		view.Recent = h.metrics.LastOutcomes()
	}
	RespondWithJSON(w, http.StatusOK, APIResponse{Status: "success", Data: view})
}

func (h *Handler) HandleFlows(w http.ResponseWriter, r *http.Request) {
	records := h.control.Flows()
	views := make([]FlowView, 0, len(records))
	for _, rec := range records {
		v := FlowView{Flow: rec.Key.String(), State: rec.State.String(), Rules: len(rec.Handles)}
		for _, sw := range rec.Path {
			v.Path = append(v.Path, uint64(sw))
		}
		if !rec.InstalledAt.IsZero() {
			v.InstalledAt = rec.InstalledAt.Format("2006-01-02 15:04:05")
		}
		views = append(views, v)
	}
	RespondWithJSON(w, http.StatusOK, APIResponse{Status: "success", Data: views})
}

func (h *Handler) HandleTopology(w http.ResponseWriter, r *http.Request) {
	topo := h.control.Topology()
	view := TopologyView{
		Switches:   []uint64{},
		Links:      []LinkView{},
		Hosts:      []HostView{},
		Generation: topo.Generation(),
		Density:    topo.Density(),
	}
	for _, sw := range topo.Switches() {
		view.Switches = append(view.Switches, uint64(sw))
	}
	for _, l := range topo.Links() {
		view.Links = append(view.Links, LinkView{
			From: uint64(l.From), FromPort: uint32(l.FromPort),
			To: uint64(l.To), ToPort: uint32(l.ToPort), Up: l.Up,
		})
	}
	for _, host := range topo.Hosts() {
		view.Hosts = append(view.Hosts, HostView{Name: host.Name, IP: host.IP, Switch: uint64(host.Switch), Port: uint32(host.Port)})
	}
	RespondWithJSON(w, http.StatusOK, APIResponse{Status: "success", Data: view})
}
