package southbound

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"controlplane/common"

	log "github.com/sirupsen/logrus"
	"github.com/xtaci/smux"
)

type EventType string

const (
	EventSwitchConnected    EventType = "switch_connected"
	EventSwitchDisconnected EventType = "switch_disconnected"
	EventPortStatus         EventType = "port_status"
	EventPacketIn           EventType = "packet_in"
)

// Event is one inbound message from a switch agent. Fields not relevant to
// the type are left zero.
type Event struct {
	Type     EventType       `json:"type"`
	Switch   common.SwitchID `json:"dpid"`
	Name     string          `json:"name,omitempty"`
	Port     common.PortNo   `json:"port,omitempty"`
	Up       bool            `json:"up,omitempty"`
	InPort   common.PortNo   `json:"in_port,omitempty"`
	BufferID uint32          `json:"buffer_id,omitempty"`
	Data     []byte          `json:"data,omitempty"`
}

func DefaultSmuxConfig() *smux.Config {
	return &smux.Config{
		Version:           1,
		KeepAliveInterval: 5 * time.Second,
		KeepAliveTimeout:  30 * time.Second,
		MaxFrameSize:      65535,
		MaxReceiveBuffer:  4194304,
		MaxStreamBuffer:   131072,
	}
}

// EventFeed accepts agent connections, multiplexes each with smux, and reads
// newline-delimited JSON events from every stream onto one channel.
// A session that closes yields SwitchDisconnected for every switch it announced.
type EventFeed struct {
	events chan Event
	config *smux.Config

	mu       sync.Mutex
	sessions map[*smux.Session]map[common.SwitchID]bool
	closed   bool
	wg       sync.WaitGroup
}

func NewEventFeed(buffer int) *EventFeed {
	if buffer <= 0 {
		buffer = 1024
	}
	return &EventFeed{
		events:   make(chan Event, buffer),
		config:   DefaultSmuxConfig(),
		sessions: make(map[*smux.Session]map[common.SwitchID]bool),
	}
}

func (f *EventFeed) Events() <-chan Event {
	return f.events
}

// Serve accepts connections until ctx is done or the listener fails.
func (f *EventFeed) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	log.Infof("EventFeed.Serve: listening on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			if err := f.ServeConn(ctx, conn); err != nil {
				log.Warnf("EventFeed.Serve: connection %s ended: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// ServeConn runs one agent connection until it closes.
func (f *EventFeed) ServeConn(ctx context.Context, conn net.Conn) error {
	session, err := smux.Server(conn, f.config)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smux server: %w", err)
	}
	f.mu.Lock()
	f.sessions[session] = make(map[common.SwitchID]bool)
	f.mu.Unlock()

	defer f.dropSession(ctx, session)

	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-session.CloseChan():
		}
	}()

	var streams sync.WaitGroup
	defer streams.Wait()
	for {
		stream, err := session.AcceptStream()
		if err != nil {
			if session.IsClosed() || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("accept stream: %w", err)
		}
		streams.Add(1)
		go func() {
			defer streams.Done()
			f.readStream(ctx, session, stream)
		}()
	}
}

func (f *EventFeed) readStream(ctx context.Context, session *smux.Session, stream *smux.Stream) {
	defer stream.Close()
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			log.Warnf("EventFeed.readStream: bad event on stream %d: %v", stream.ID(), err)
			continue
		}
		f.track(session, ev)
		if !f.publish(ctx, ev) {
			return
		}
	}
}

func (f *EventFeed) track(session *smux.Session, ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen, ok := f.sessions[session]
	if !ok {
		return
	}
	switch ev.Type {
	case EventSwitchConnected:
		seen[ev.Switch] = true
	case EventSwitchDisconnected:
		delete(seen, ev.Switch)
	}
}

func (f *EventFeed) publish(ctx context.Context, ev Event) bool {
	select {
	case f.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *EventFeed) dropSession(ctx context.Context, session *smux.Session) {
	f.mu.Lock()
	seen := f.sessions[session]
	delete(f.sessions, session)
	f.mu.Unlock()
	session.Close()

	for sw := range seen {
		log.Infof("EventFeed.dropSession: agent session closed, switch %s disconnected", sw)
		f.publish(ctx, Event{Type: EventSwitchDisconnected, Switch: sw})
	}
}

// Wait blocks until every accepted connection has finished.
func (f *EventFeed) Wait() {
	f.wg.Wait()
}

// EventPublisher is the agent side of the feed.
type EventPublisher struct {
	session *smux.Session
	stream  *smux.Stream
	enc     *json.Encoder
	mu      sync.Mutex
}

func NewEventPublisher(conn net.Conn) (*EventPublisher, error) {
	session, err := smux.Client(conn, DefaultSmuxConfig())
	if err != nil {
		return nil, fmt.Errorf("smux client: %w", err)
	}
	stream, err := session.OpenStream()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &EventPublisher{session: session, stream: stream, enc: json.NewEncoder(stream)}, nil
}

func (p *EventPublisher) Publish(ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(ev)
}

func (p *EventPublisher) Close() error {
	p.stream.Close()
	return p.session.Close()
}
