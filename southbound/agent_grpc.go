package southbound

import (
	"context"
	"fmt"
	"sync"
	"time"

	"controlplane/common"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	agentServiceName = "switchagent.SwitchAgent"

	methodApplyRule  = "/" + agentServiceName + "/ApplyRule"
	methodRemoveRule = "/" + agentServiceName + "/RemoveRule"
	methodPacketOut  = "/" + agentServiceName + "/PacketOut"
)

// SwitchAgentServer is served by the agent running next to each switch.
// Messages are structpb.Struct documents.
type SwitchAgentServer interface {
	ApplyRule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveRule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PacketOut(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(method string, call func(SwitchAgentServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SwitchAgentServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(SwitchAgentServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var SwitchAgentServiceDesc = grpc.ServiceDesc{
	ServiceName: agentServiceName,
	HandlerType: (*SwitchAgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ApplyRule",
			Handler: unaryHandler(methodApplyRule, func(s SwitchAgentServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.ApplyRule(ctx, in)
			}),
		},
		{
			MethodName: "RemoveRule",
			Handler: unaryHandler(methodRemoveRule, func(s SwitchAgentServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.RemoveRule(ctx, in)
			}),
		},
		{
			MethodName: "PacketOut",
			Handler: unaryHandler(methodPacketOut, func(s SwitchAgentServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.PacketOut(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "switchagent.proto",
}

func RegisterSwitchAgentServer(s grpc.ServiceRegistrar, srv SwitchAgentServer) {
	s.RegisterService(&SwitchAgentServiceDesc, srv)
}

func encodeRule(sw common.SwitchID, rule Rule) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"dpid":     float64(sw),
		"priority": float64(rule.Priority),
		"match": map[string]interface{}{
			"eth_type": float64(rule.Match.EthType),
			"ipv4_src": rule.Match.IPv4Src,
			"ipv4_dst": rule.Match.IPv4Dst,
			"ip_proto": float64(rule.Match.IPProto),
		},
		"out_port":     float64(rule.OutPort),
		"idle_timeout": rule.IdleTimeout.Seconds(),
		"hard_timeout": rule.HardTimeout.Seconds(),
	})
}

func decodeRule(in *structpb.Struct) (common.SwitchID, Rule) {
	f := in.GetFields()
	m := f["match"].GetStructValue().GetFields()
	rule := Rule{
		Match: Match{
			EthType: uint16(m["eth_type"].GetNumberValue()),
			IPv4Src: m["ipv4_src"].GetStringValue(),
			IPv4Dst: m["ipv4_dst"].GetStringValue(),
			IPProto: uint8(m["ip_proto"].GetNumberValue()),
		},
		OutPort:     common.PortNo(f["out_port"].GetNumberValue()),
		Priority:    uint16(f["priority"].GetNumberValue()),
		IdleTimeout: time.Duration(f["idle_timeout"].GetNumberValue() * float64(time.Second)),
		HardTimeout: time.Duration(f["hard_timeout"].GetNumberValue() * float64(time.Second)),
	}
	return common.SwitchID(f["dpid"].GetNumberValue()), rule
}

// confirmation reads {"confirmed": bool, "handle": string, "error": string}.
func confirmation(resp *structpb.Struct) (string, error) {
	f := resp.GetFields()
	if !f["confirmed"].GetBoolValue() {
		reason := f["error"].GetStringValue()
		if reason == "" {
			reason = "not confirmed"
		}
		return "", fmt.Errorf("agent: %s", reason)
	}
	return f["handle"].GetStringValue(), nil
}

// AgentClient talks to switch agents over gRPC. Switches without an explicit
// address share the default agent.
type AgentClient struct {
	addrs       map[common.SwitchID]string
	defaultAddr string
	opts        []grpc.DialOption
	callTimeout time.Duration

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewAgentClient(defaultAddr string, addrs map[common.SwitchID]string, callTimeout time.Duration, opts ...grpc.DialOption) *AgentClient {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	if addrs == nil {
		addrs = make(map[common.SwitchID]string)
	}
	return &AgentClient{
		addrs:       addrs,
		defaultAddr: defaultAddr,
		opts:        opts,
		callTimeout: callTimeout,
		conns:       make(map[string]*grpc.ClientConn),
	}
}

func (c *AgentClient) conn(sw common.SwitchID) (*grpc.ClientConn, error) {
	addr, ok := c.addrs[sw]
	if !ok {
		addr = c.defaultAddr
	}
	if addr == "" {
		return nil, fmt.Errorf("no agent address for switch %s", sw)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[addr]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(addr, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("dial agent %s: %w", addr, err)
	}
	c.conns[addr] = cc
	log.Infof("AgentClient.conn: connected to agent %s for switch %s", addr, sw)
	return cc, nil
}

func (c *AgentClient) invoke(ctx context.Context, sw common.SwitchID, method string, req *structpb.Struct) (*structpb.Struct, error) {
	cc, err := c.conn(sw)
	if err != nil {
		return nil, err
	}
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	resp := new(structpb.Struct)
	if err := cc.Invoke(ctx, method, req, resp); err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, sw, err)
	}
	return resp, nil
}

func (c *AgentClient) ApplyRule(ctx context.Context, sw common.SwitchID, rule Rule) (common.RuleRef, error) {
	req, err := encodeRule(sw, rule)
	if err != nil {
		return common.RuleRef{}, fmt.Errorf("encode rule: %w", err)
	}
	resp, err := c.invoke(ctx, sw, methodApplyRule, req)
	if err != nil {
		return common.RuleRef{}, err
	}
	handle, err := confirmation(resp)
	if err != nil {
		return common.RuleRef{}, fmt.Errorf("apply rule on %s: %w", sw, err)
	}
	return common.RuleRef{Switch: sw, Handle: handle}, nil
}

func (c *AgentClient) RemoveRule(ctx context.Context, ref common.RuleRef) error {
	req, err := structpb.NewStruct(map[string]interface{}{
		"dpid":   float64(ref.Switch),
		"handle": ref.Handle,
	})
	if err != nil {
		return fmt.Errorf("encode removal: %w", err)
	}
	resp, err := c.invoke(ctx, ref.Switch, methodRemoveRule, req)
	if err != nil {
		return err
	}
	if _, err := confirmation(resp); err != nil {
		return fmt.Errorf("remove rule %s: %w", ref, err)
	}
	return nil
}

func (c *AgentClient) PacketOut(ctx context.Context, sw common.SwitchID, out PacketOut) error {
	req, err := structpb.NewStruct(map[string]interface{}{
		"dpid":      float64(sw),
		"buffer_id": float64(out.BufferID),
		"in_port":   float64(out.InPort),
		"out_port":  float64(out.OutPort),
		"data":      encodeBytes(out.Data),
	})
	if err != nil {
		return fmt.Errorf("encode packet out: %w", err)
	}
	resp, err := c.invoke(ctx, sw, methodPacketOut, req)
	if err != nil {
		return err
	}
	if _, err := confirmation(resp); err != nil {
		return fmt.Errorf("packet out on %s: %w", sw, err)
	}
	return nil
}

func (c *AgentClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for addr, cc := range c.conns {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, addr)
	}
	return firstErr
}

// AgentServer exposes any SwitchControl as a SwitchAgentServer.
type AgentServer struct {
	control SwitchControl
}

func NewAgentServer(control SwitchControl) *AgentServer {
	return &AgentServer{control: control}
}

func confirmed(handle string) *structpb.Struct {
	s, _ := structpb.NewStruct(map[string]interface{}{"confirmed": true, "handle": handle})
	return s
}

func rejected(err error) *structpb.Struct {
	s, _ := structpb.NewStruct(map[string]interface{}{"confirmed": false, "error": err.Error()})
	return s
}

func (s *AgentServer) ApplyRule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sw, rule := decodeRule(in)
	ref, err := s.control.ApplyRule(ctx, sw, rule)
	if err != nil {
		return rejected(err), nil
	}
	return confirmed(ref.Handle), nil
}

func (s *AgentServer) RemoveRule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := in.GetFields()
	ref := common.RuleRef{
		Switch: common.SwitchID(f["dpid"].GetNumberValue()),
		Handle: f["handle"].GetStringValue(),
	}
	if err := s.control.RemoveRule(ctx, ref); err != nil {
		return rejected(err), nil
	}
	return confirmed(ref.Handle), nil
}

func (s *AgentServer) PacketOut(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := in.GetFields()
	data, err := decodeBytes(f["data"].GetStringValue())
	if err != nil {
		return rejected(err), nil
	}
	out := PacketOut{
		BufferID: uint32(f["buffer_id"].GetNumberValue()),
		InPort:   common.PortNo(f["in_port"].GetNumberValue()),
		OutPort:  common.PortNo(f["out_port"].GetNumberValue()),
		Data:     data,
	}
	if err := s.control.PacketOut(ctx, common.SwitchID(f["dpid"].GetNumberValue()), out); err != nil {
		return rejected(err), nil
	}
	return confirmed(""), nil
}
