package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"controlplane/common"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
)

// OracleClient speaks the decision oracle's HTTP protocol. Every failure
// is reported wrapped in common.ErrPolicyUnavailable.
type OracleClient struct {
	client *resty.Client
}

func NewOracleClient(baseURL string, timeout time.Duration) *OracleClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &OracleClient{client: client}
}

func (o *OracleClient) Name() string { return PolicyOracle }

func unavailable(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", common.ErrPolicyUnavailable, fmt.Sprintf(format, args...))
}

// SelectPath posts the request to /get_path.
func (o *OracleClient) SelectPath(ctx context.Context, req Request) (Response, error) {
	resp, err := o.client.R().SetContext(ctx).SetBody(req).Post("/get_path")
	if err != nil {
		return Response{}, unavailable("get_path: %v", err)
	}
	if !resp.IsSuccess() {
		return Response{}, unavailable("get_path: status %d", resp.StatusCode())
	}

	var out Response
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return Response{}, unavailable("get_path: malformed body: %v", err)
	}
	if out.Error != "" {
		return Response{}, unavailable("get_path: oracle error: %s", out.Error)
	}
	if len(out.Path) == 0 {
		return Response{}, unavailable("get_path: empty path")
	}
	return out, nil
}

// Stats reads GET /stats.
func (o *OracleClient) Stats(ctx context.Context) (OracleStats, error) {
	resp, err := o.client.R().SetContext(ctx).Get("/stats")
	if err != nil {
		return OracleStats{}, unavailable("stats: %v", err)
	}
	if !resp.IsSuccess() {
		return OracleStats{}, unavailable("stats: status %d", resp.StatusCode())
	}
	var stats OracleStats
	if err := json.Unmarshal(resp.Body(), &stats); err != nil {
		return OracleStats{}, unavailable("stats: malformed body: %v", err)
	}
	return stats, nil
}

// Update sends POST /update with the reward for a previous action.
func (o *OracleClient) Update(ctx context.Context, fb Feedback) error {
	resp, err := o.client.R().SetContext(ctx).SetBody(fb).Post("/update")
	if err != nil {
		return unavailable("update: %v", err)
	}
	if !resp.IsSuccess() {
		return unavailable("update: status %d", resp.StatusCode())
	}
	log.Debugf("OracleClient.Update: action=%d reward=%.2f", fb.Action, fb.Reward)
	return nil
}

func (o *OracleClient) Health(ctx context.Context) error {
	resp, err := o.client.R().SetContext(ctx).Get("/health")
	if err != nil {
		return unavailable("health: %v", err)
	}
	if !resp.IsSuccess() {
		return unavailable("health: status %d", resp.StatusCode())
	}
	return nil
}
