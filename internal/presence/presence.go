// Package presence announces this node's recognition capability on the bus
// and tracks the other speech nodes it hears from.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// CapabilitySpeech is the capability name advertised by recognition nodes.
const CapabilitySpeech = "speech.recognition"

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (c Capability) equal(other Capability) bool {
	return c.Name == other.Name && c.Tier == other.Tier && maps.Equal(c.Attributes, other.Attributes)
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Provider describes the capability this node currently offers.
type Provider func(ctx context.Context) Capability

type Presence struct {
	cfg      config.NodeConfig
	log      *slog.Logger
	bus      *bus.Client
	provider Provider

	mu        sync.RWMutex
	nodes     map[string]*NodeInfo
	announced Capability

	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
}

func New(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, provider Provider, log *slog.Logger) (*Presence, error) {
	ctx, cancel := context.WithCancel(ctx)
	p := &Presence{
		cfg:      cfg,
		log:      log.With(slog.String("component", "presence")),
		bus:      busClient,
		provider: provider,
		nodes:    make(map[string]*NodeInfo),
		cancel:   cancel,
	}

	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := p.subscribe(); err != nil {
		p.cancel()
		return nil, err
	}

	if err := p.announce(ctx); err != nil {
		p.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	p.wg.Add(2)
	go p.runHeartbeat(ctx)
	go p.monitorHealth(ctx)

	return p, nil
}

func (p *Presence) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	for _, sub := range p.subs {
		_ = sub.Drain()
	}
}

func (p *Presence) subscribe() error {
	conn := p.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, p.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	p.subs = append(p.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", p.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	p.subs = append(p.subs, heartbeatSub)
	return nil
}

// runHeartbeat publishes a heartbeat every interval and re-announces when
// the advertised capability changed since the last announcement.
func (p *Presence) runHeartbeat(ctx context.Context) {
	defer p.wg.Done()
	interval := time.Duration(p.cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.changed(ctx) {
				if err := p.announce(ctx); err != nil {
					p.log.Warn("failed to re-announce node", slog.String("error", err.Error()))
				}
			}
			if err := p.publishHeartbeat(); err != nil {
				p.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (p *Presence) monitorHealth(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.evaluateHealth()
		}
	}
}

func (p *Presence) changed(ctx context.Context) bool {
	current := p.provider(ctx)
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !current.equal(p.announced)
}

func (p *Presence) announce(ctx context.Context) error {
	capability := p.provider(ctx)
	msg := announceMessage{
		NodeID:       p.cfg.ID,
		Role:         p.cfg.Role,
		Capabilities: []Capability{capability},
		Timestamp:    time.Now().UTC(),
	}
	if err := p.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg); err != nil {
		return err
	}
	p.mu.Lock()
	p.announced = capability
	p.mu.Unlock()
	p.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	p.log.Debug("node announced", slog.String("node_id", msg.NodeID), slog.Any("attributes", capability.Attributes))
	return nil
}

func (p *Presence) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:    p.cfg.ID,
		Timestamp: time.Now().UTC(),
	}
	return p.bus.PublishJSON(protocol.SubjectNodeHeartbeatPrefix+"."+p.cfg.ID, msg)
}

func (p *Presence) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		p.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.NodeID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	p.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp)
}

func (p *Presence) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		p.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	p.updateNode(hb.NodeID, "", nil, hb.Timestamp)
}

func (p *Presence) updateNode(nodeID, role string, capabilities []Capability, timestamp time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	node, ok := p.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		p.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	node.LastSeen = timestamp
	node.Healthy = true
}

func (p *Presence) evaluateHealth() {
	p.mu.Lock()
	defer p.mu.Unlock()

	timeout := time.Duration(p.cfg.HeartbeatTimeout) * time.Millisecond
	now := time.Now()
	for _, node := range p.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node's own heartbeat is current.
func (p *Presence) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	node, ok := p.nodes[p.cfg.ID]
	if !ok {
		return false
	}
	return node.Healthy
}

func (p *Presence) Query(filter func(NodeInfo) bool) []NodeInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var results []NodeInfo
	for _, node := range p.nodes {
		info := *node
		if filter == nil || filter(info) {
			results = append(results, info)
		}
	}
	return results
}

func (p *Presence) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-speech/presence")
	nodeGauge, err := meter.Int64ObservableGauge("loqa.speech.nodes", metric.WithDescription("Number of known speech nodes"))
	if err != nil {
		return err
	}
	availableGauge, err := meter.Int64ObservableGauge("loqa.speech.nodes.available", metric.WithDescription("Healthy nodes advertising an available recognizer"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		nodes, available := p.snapshotCounts()
		obs.ObserveInt64(nodeGauge, nodes)
		obs.ObserveInt64(availableGauge, available)
		return nil
	}, nodeGauge, availableGauge)
	return err
}

func (p *Presence) snapshotCounts() (int64, int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var nodes int64
	var available int64
	for _, node := range p.nodes {
		nodes++
		if node.Healthy && WithAvailableRecognizer()(*node) {
			available++
		}
	}
	return nodes, available
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

// WithAvailableRecognizer matches nodes whose speech capability reports
// available=true.
func WithAvailableRecognizer() func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == CapabilitySpeech && c.Attributes["available"] == "true" {
				return true
			}
		}
		return false
	}
}
