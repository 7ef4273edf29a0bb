package decision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"controlplane/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOracleStatsUpdateHealth(t *testing.T) {
	var feedback Feedback
	srv := oracleServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stats":
			w.Write([]byte(`{"count": 7, "recent_rewards": [-3, -4], "paths": {}}`))
		case "/update":
			json.NewDecoder(r.Body).Decode(&feedback)
			w.Write([]byte(`{"status": "ok"}`))
		case "/health":
			w.Write([]byte(`{"status": "healthy"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	o := NewOracleClient(srv.URL, time.Second)
	ctx := context.Background()

	stats, err := o.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, stats.Count)
	assert.Equal(t, []float64{-3, -4}, stats.RecentRewards)

	require.NoError(t, o.Update(ctx, Feedback{State: []float64{1}, Action: 2, Reward: -3, NextState: []float64{2}}))
	assert.Equal(t, 2, feedback.Action)
	assert.Equal(t, -3.0, feedback.Reward)

	require.NoError(t, o.Health(ctx))
}

func TestOracleErrorsArePolicyUnavailable(t *testing.T) {
	srv := oracleServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	o := NewOracleClient(srv.URL, time.Second)
	ctx := context.Background()

	_, err := o.SelectPath(ctx, Request{})
	assert.True(t, errors.Is(err, common.ErrPolicyUnavailable))
	_, err = o.Stats(ctx)
	assert.True(t, errors.Is(err, common.ErrPolicyUnavailable))
	assert.True(t, errors.Is(o.Health(ctx), common.ErrPolicyUnavailable))
}

func TestPolicyRegistry(t *testing.T) {
	r := NewPolicyRegistry()
	require.NoError(t, r.Register(NewOracleClient("http://127.0.0.1:5000", time.Second)))
	require.NoError(t, r.Register(NewShortestPathPolicy(ringTopology())))
	assert.Error(t, r.Register(NewShortestPathPolicy(ringTopology())))

	assert.Equal(t, []string{PolicyOracle, PolicyShortestPath}, r.List())
	p, err := r.Get(PolicyShortestPath)
	require.NoError(t, err)
	assert.Equal(t, PolicyShortestPath, p.Name())
	_, err = r.Get("bogus")
	assert.Error(t, err)
}
