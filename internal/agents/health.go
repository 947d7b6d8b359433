package agents

import (
	"context"
	"fmt"
	"sync"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sentinelstack/sentinel-soar/internal/models"
)

// Prober checks worker agent liveness and can reset an agent's transport as
// a recovery action.
type Prober interface {
	Probe(ctx context.Context, agent models.AgentKind) error
	Reset(agent models.AgentKind) error
	Close() error
}

// GRPCProber probes agents over the standard gRPC health-checking protocol.
// Connections are dialled lazily and cached per agent; Reset drops the
// cached connection so the next probe re-establishes it.
type GRPCProber struct {
	mu        sync.Mutex
	endpoints map[models.AgentKind]string
	conns     map[models.AgentKind]*grpc.ClientConn
	timeout   time.Duration
}

// NewGRPCProber builds a prober for the given agent endpoints.
func NewGRPCProber(endpoints map[models.AgentKind]string, timeout time.Duration) *GRPCProber {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &GRPCProber{
		endpoints: endpoints,
		conns:     make(map[models.AgentKind]*grpc.ClientConn),
		timeout:   timeout,
	}
}

// Probe checks the agent's serving status. Any dial failure, RPC failure or
// non-SERVING status counts as a failed probe.
func (p *GRPCProber) Probe(ctx context.Context, agent models.AgentKind) error {
	conn, err := p.conn(agent)
	if err != nil {
		return err
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(probeCtx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check %s: %w", agent, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("agent %s not serving: %s", agent, resp.GetStatus())
	}
	return nil
}

// Reset tears down the agent's cached connection so the next probe dials a
// fresh one.
func (p *GRPCProber) Reset(agent models.AgentKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[agent]; ok {
		delete(p.conns, agent)
		return conn.Close()
	}
	return nil
}

// Close releases all cached connections.
func (p *GRPCProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for agent, conn := range p.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.conns, agent)
	}
	return firstErr
}

func (p *GRPCProber) conn(agent models.AgentKind) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[agent]; ok {
		return conn, nil
	}

	endpoint, ok := p.endpoints[agent]
	if !ok || endpoint == "" {
		return nil, fmt.Errorf("no endpoint configured for agent %s", agent)
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
	)
	if err != nil {
		return nil, fmt.Errorf("dial agent %s: %w", agent, err)
	}
	p.conns[agent] = conn
	return conn, nil
}

// StaticProber reports a fixed result per agent; it serves deployments with
// no probe endpoints configured and tests.
type StaticProber struct {
	mu     sync.Mutex
	errs   map[models.AgentKind]error
	resets map[models.AgentKind]int
}

// NewStaticProber returns a prober that reports every agent healthy.
func NewStaticProber() *StaticProber {
	return &StaticProber{
		errs:   make(map[models.AgentKind]error),
		resets: make(map[models.AgentKind]int),
	}
}

// Fail makes subsequent probes of the agent return err (nil clears it).
func (p *StaticProber) Fail(agent models.AgentKind, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.errs, agent)
		return
	}
	p.errs[agent] = err
}

// Probe returns the configured result for the agent.
func (p *StaticProber) Probe(_ context.Context, agent models.AgentKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errs[agent]
}

// Reset records the recovery attempt.
func (p *StaticProber) Reset(agent models.AgentKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets[agent]++
	return nil
}

// Resets reports how many times the agent was reset.
func (p *StaticProber) Resets(agent models.AgentKind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets[agent]
}

// Close is a no-op.
func (p *StaticProber) Close() error { return nil }
