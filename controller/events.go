package controller

import (
	"context"
	"errors"
	"fmt"

	"controlplane/common"
	"controlplane/installer"
	"controlplane/southbound"

	log "github.com/sirupsen/logrus"
)

// Run consumes switch events until ctx is done or the channel closes.
// Topology events are applied in arrival order on this goroutine; rule
// pushes and new flows are dispatched to the event pool.
func (c *Controller) Run(ctx context.Context, events <-chan southbound.Event) {
	log.Infof("Run: control loop started")
	for {
		select {
		case <-ctx.Done():
			log.Infof("Run: control loop stopped")
			return
		case ev, ok := <-events:
			if !ok {
				log.Infof("Run: event feed closed")
				return
			}
			c.HandleEvent(ctx, ev)
		}
	}
}

func (c *Controller) HandleEvent(ctx context.Context, ev southbound.Event) {
	switch ev.Type {
	case southbound.EventSwitchConnected:
		c.switchConnected(ctx, ev)
	case southbound.EventSwitchDisconnected:
		log.Infof("HandleEvent: switch %s disconnected", ev.Switch)
		c.topo.RemoveSwitch(ev.Switch)
	case southbound.EventPortStatus:
		c.portStatus(ev)
	case southbound.EventPacketIn:
		c.dispatch(func() { c.packetIn(ctx, ev) })
	default:
		log.Warnf("HandleEvent: unknown event type %q from %s", ev.Type, ev.Switch)
	}
}

func (c *Controller) dispatch(task func()) {
	c.wg.Add(1)
	run := func() {
		defer c.wg.Done()
		task()
	}
	if c.pool == nil {
		go run()
		return
	}
	if err := c.pool.Submit(run); err != nil {
		c.wg.Done()
		log.Errorf("dispatch: event pool rejected task: %v", err)
	}
}

func (c *Controller) switchConnected(ctx context.Context, ev southbound.Event) {
	name := ev.Name
	if c.file != nil && name == "" {
		if info := c.file.Info(); info != nil {
			name = info.SwitchName(ev.Switch)
		}
	}
	if !c.topo.AddSwitch(ev.Switch, name) {
		log.Infof("switchConnected: switch %s reconnected", ev.Switch)
	}
	if c.config.DefaultRules {
		sw := ev.Switch
		c.dispatch(func() {
			if _, err := c.installer.ApplyDefaultRules(ctx, sw); err != nil {
				log.Errorf("switchConnected: default rules on %s: %v", sw, err)
			}
		})
	}
	c.syncFileLinks()
}

func (c *Controller) portStatus(ev southbound.Event) {
	link, ok := c.topo.LinkAt(ev.Switch, ev.Port)
	if !ok {
		log.Debugf("portStatus: %s port %d is not an inter-switch link", ev.Switch, ev.Port)
		return
	}
	if ev.Up {
		c.topo.ApplyLinkUp(link)
	} else {
		c.topo.ApplyLinkDown(link)
	}
}

func (c *Controller) packetIn(ctx context.Context, ev southbound.Event) {
	h, err := southbound.DecodeHeaders(ev.Data)
	if err != nil {
		log.Warnf("packetIn: switch %s port %d: %v", ev.Switch, ev.InPort, err)
		return
	}
	if h.IsARP || !h.IsTCP {
		// flooded or left to the table-miss rule
		return
	}
	key := common.FlowKey{Src: h.SrcIP, Dst: h.DstIP, Proto: common.ProtocolTCP}
	first := &installer.FirstPacket{Switch: ev.Switch, InPort: ev.InPort, BufferID: ev.BufferID, Data: ev.Data}
	if _, err := c.HandleNewFlow(ctx, key, first); err != nil && !errors.Is(err, common.ErrAlreadyActive) {
		log.Errorf("packetIn: flow=%s: %v", key, err)
	}
}

// LoadTopologyFile applies host attachments and expected links from the
// provisioning file when its content changed.
func (c *Controller) LoadTopologyFile() error {
	if c.file == nil {
		return nil
	}
	changed, err := c.file.Reload()
	if err != nil {
		return fmt.Errorf("load topology file: %w", err)
	}
	if !changed {
		return nil
	}
	info := c.file.Info()
	for _, h := range info.HostAttachments() {
		c.topo.AddHost(h)
	}
	c.syncFileLinks()
	return nil
}

// syncFileLinks brings up provisioned links whose two switches are connected
// and that have never been seen. Known links follow port status only.
func (c *Controller) syncFileLinks() {
	if c.file == nil {
		return
	}
	info := c.file.Info()
	if info == nil {
		return
	}
	for _, l := range info.SwitchLinks() {
		if !c.topo.HasSwitch(l.From) || !c.topo.HasSwitch(l.To) {
			continue
		}
		if _, known := c.topo.LinkAt(l.From, l.FromPort); known {
			continue
		}
		c.topo.ApplyLinkUp(l)
	}
}
