package decision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"controlplane/common"
	"controlplane/topology"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outcomeLog struct {
	mu       sync.Mutex
	outcomes []common.Outcome
}

func (o *outcomeLog) RecordOutcome(_ common.FlowKey, outcome common.Outcome, _ common.Path) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

var flow14 = common.FlowKey{Src: "10.0.0.1", Dst: "10.0.0.4", Proto: common.ProtocolTCP}

// ringTopology is the line 1-2-3-4 plus a shortcut 1-5-4, hosts h1..h5 on port 1.
func ringTopology() *topology.TopologyManager {
	tm := topology.NewTopologyManager()
	up := func(a common.SwitchID, ap common.PortNo, b common.SwitchID, bp common.PortNo) {
		tm.ApplyLinkUp(common.Link{From: a, FromPort: ap, To: b, ToPort: bp})
	}
	up(1, 3, 2, 2)
	up(2, 4, 3, 2)
	up(3, 5, 4, 2)
	up(1, 6, 5, 2)
	up(5, 3, 4, 6)
	for i := 1; i <= 5; i++ {
		tm.AddHost(topology.Host{IP: "10.0.0." + strconv.Itoa(i), Switch: common.SwitchID(i), Port: 1})
	}
	return tm
}

func oracleServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(tm *topology.TopologyManager, baseURL string, rec common.OutcomeRecorder) *Client {
	return NewClient(tm, NewOracleClient(baseURL, time.Second), nil, rec, ClientConfig{Deadline: 100 * time.Millisecond, Candidates: 3})
}

func TestRequestPathDecided(t *testing.T) {
	tm := ringTopology()
	var got Request
	srv := oracleServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/get_path", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(Response{Path: []uint64{1, 2, 3, 4}, ActionIdx: 2})
	})
	rec := &outcomeLog{}
	c := newTestClient(tm, srv.URL, rec)

	state := common.StateVector{FlowCount: 3, LinkUtilization: 0.5, RecentReward: -2, Exploration: 0.1}
	d, err := c.RequestPath(context.Background(), flow14, state, 0)
	require.NoError(t, err)
	assert.Equal(t, common.OutcomeDecided, d.Outcome)
	assert.True(t, d.Path.Equal(common.Path{1, 2, 3, 4}))
	assert.Equal(t, 2, d.ActionID)

	assert.Equal(t, "1", got.Src)
	assert.Equal(t, "4", got.Dst)
	assert.Equal(t, []float64{3, 0.5, -2, 0.1}, got.State)
	assert.Equal(t, "10.0.0.1", got.Flow.SrcIP)
	require.NotEmpty(t, got.Candidates)
	assert.Equal(t, []uint64{1, 5, 4}, got.Candidates[0])
	assert.Equal(t, []common.Outcome{common.OutcomeDecided}, rec.outcomes)
}

func TestRequestPathFallback(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"ServerError", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"Timeout", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(500 * time.Millisecond):
			case <-r.Context().Done():
			}
			json.NewEncoder(w).Encode(Response{Path: []uint64{1, 2, 3, 4}})
		}},
		{"MalformedBody", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"path": [1, 2,`))
		}},
		{"OracleError", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"error": "model not loaded"}`))
		}},
		{"WrongEndpoints", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(Response{Path: []uint64{2, 3, 4}})
		}},
		{"NotAdjacent", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(Response{Path: []uint64{1, 3, 4}})
		}},
		{"Loop", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(Response{Path: []uint64{1, 2, 1, 5, 4}})
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tm := ringTopology()
			rec := &outcomeLog{}
			c := newTestClient(tm, oracleServer(t, tc.handler).URL, rec)

			start := time.Now()
			d, err := c.RequestPath(context.Background(), flow14, common.StateVector{}, 0)
			require.NoError(t, err)
			assert.Less(t, time.Since(start), 400*time.Millisecond)

			want, err := tm.ShortestPath(1, 4)
			require.NoError(t, err)
			assert.Equal(t, common.OutcomeFallback, d.Outcome)
			assert.True(t, d.Path.Equal(want), "got %s want %s", d.Path, want)
			assert.NotEmpty(t, d.Reason)
			assert.Equal(t, []common.Outcome{common.OutcomeFallback}, rec.outcomes)
		})
	}
}

func TestRequestPathConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tm := ringTopology()
	c := newTestClient(tm, url, nil)
	d, err := c.RequestPath(context.Background(), flow14, common.StateVector{}, 0)
	require.NoError(t, err)
	assert.Equal(t, common.OutcomeFallback, d.Outcome)
	assert.True(t, d.Path.Equal(common.Path{1, 5, 4}))
}

func TestRequestPathAvoidsDeadLink(t *testing.T) {
	tm := ringTopology()
	tm.ApplyLinkDown(common.Link{From: 1, FromPort: 6})
	srv := oracleServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := newTestClient(tm, srv.URL, nil)

	d, err := c.RequestPath(context.Background(), flow14, common.StateVector{}, 0)
	require.NoError(t, err)
	assert.True(t, d.Path.Equal(common.Path{1, 2, 3, 4}))
}

func TestRequestPathNoRoute(t *testing.T) {
	tm := ringTopology()
	tm.ApplyLinkDown(common.Link{From: 1, FromPort: 6})
	tm.ApplyLinkDown(common.Link{From: 1, FromPort: 3})
	srv := oracleServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	rec := &outcomeLog{}
	c := newTestClient(tm, srv.URL, rec)

	_, err := c.RequestPath(context.Background(), flow14, common.StateVector{}, 0)
	assert.True(t, errors.Is(err, common.ErrNoPath))
	assert.Empty(t, rec.outcomes)
}

func TestRequestPathCancelled(t *testing.T) {
	tm := ringTopology()
	release := make(chan struct{})
	srv := oracleServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	rec := &outcomeLog{}
	c := newTestClient(tm, srv.URL, rec)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.RequestPath(ctx, flow14, common.StateVector{}, time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, rec.outcomes, "a cancelled request must not produce a decision")
}

func TestRequestPathUnknownHost(t *testing.T) {
	c := newTestClient(ringTopology(), "http://127.0.0.1:1", nil)
	_, err := c.RequestPath(context.Background(), common.FlowKey{Src: "10.9.9.9", Dst: "10.0.0.4"}, common.StateVector{}, 0)
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestRequestPathAsync(t *testing.T) {
	tm := ringTopology()
	srv := oracleServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response{Path: []uint64{1, 5, 4}, ActionIdx: 0})
	})
	c := newTestClient(tm, srv.URL, nil)

	select {
	case res := <-c.RequestPathAsync(context.Background(), flow14, common.StateVector{}, 0):
		require.NoError(t, res.Err)
		assert.Equal(t, common.OutcomeDecided, res.Decision.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("no async result")
	}
}

func TestShortestPathPolicy(t *testing.T) {
	tm := ringTopology()
	c := NewClient(tm, NewShortestPathPolicy(tm), nil, nil, ClientConfig{})
	d, err := c.RequestPath(context.Background(), flow14, common.StateVector{}, 0)
	require.NoError(t, err)
	assert.Equal(t, common.OutcomeDecided, d.Outcome)
	assert.True(t, d.Path.Equal(common.Path{1, 5, 4}))
}
