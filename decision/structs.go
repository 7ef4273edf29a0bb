package decision

import (
	"context"
	"strconv"

	"controlplane/common"
)

// FlowInfo identifies the flow in an oracle request.
type FlowInfo struct {
	SrcIP string `json:"src_ip"`
	DstIP string `json:"dst_ip"`
	Proto string `json:"proto"`
}

// Request is the body of POST /get_path. Src and Dst are switch ids in
// decimal string form.
type Request struct {
	Src        string     `json:"src"`
	Dst        string     `json:"dst"`
	State      []float64  `json:"state"`
	Flow       FlowInfo   `json:"flow"`
	Candidates [][]uint64 `json:"candidates,omitempty"`
}

// Response is the oracle's answer. ActionIdx is kept for feedback only.
type Response struct {
	Path      []uint64 `json:"path"`
	ActionIdx int      `json:"action_idx"`
	Error     string   `json:"error,omitempty"`
}

// Feedback is the body of POST /update.
type Feedback struct {
	State     []float64 `json:"state"`
	Action    int       `json:"action"`
	Reward    float64   `json:"reward"`
	NextState []float64 `json:"next_state"`
}

// OracleStats is the body of GET /stats.
type OracleStats struct {
	Count         int       `json:"count"`
	RecentRewards []float64 `json:"recent_rewards"`
}

// Decision is a path the control loop may install.
type Decision struct {
	Path     common.Path
	ActionID int
	Outcome  common.Outcome
	// Reason is set for fallbacks.
	Reason string
}

// PathPolicy chooses one path for a request.
type PathPolicy interface {
	Name() string
	SelectPath(ctx context.Context, req Request) (Response, error)
}

func newRequest(key common.FlowKey, src, dst common.SwitchID, state common.StateVector, candidates []common.Path) Request {
	req := Request{
		Src:   strconv.FormatUint(uint64(src), 10),
		Dst:   strconv.FormatUint(uint64(dst), 10),
		State: state.ToSlice(),
		Flow:  FlowInfo{SrcIP: key.Src, DstIP: key.Dst, Proto: key.Proto.String()},
	}
	for _, c := range candidates {
		ids := make([]uint64, len(c))
		for i, s := range c {
			ids[i] = uint64(s)
		}
		req.Candidates = append(req.Candidates, ids)
	}
	return req
}

func toPath(ids []uint64) common.Path {
	p := make(common.Path, len(ids))
	for i, id := range ids {
		p[i] = common.SwitchID(id)
	}
	return p
}

func parseSwitch(s string) (common.SwitchID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	return common.SwitchID(v), err
}
