package agent

import (
	"sync"

	"github.com/opendaylight/opflex-agent/pkg/model"
)

// dropLogState holds the current packet drop-log configuration
// assembled from the drop-log sources, for the switch renderer to read.
type dropLogState struct {
	mu     sync.Mutex
	config model.PacketDropLogConfig
	flows  map[string]*model.PacketDropFlowSpec
}

func newDropLogState() *dropLogState {
	return &dropLogState{
		flows: make(map[string]*model.PacketDropFlowSpec),
	}
}

// DropLogConfigUpdated implements fsource.DropLogListener
func (s *dropLogState) DropLogConfigUpdated(cfg *model.PacketDropLogConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = *cfg
}

// DropFlowUpdated implements fsource.DropLogListener
func (s *dropLogState) DropFlowUpdated(spec *model.PacketDropFlowSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *spec
	s.flows[spec.UUID] = &copied
}

// DropFlowDeleted implements fsource.DropLogListener
func (s *dropLogState) DropFlowDeleted(uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, uuid)
}

// DropLogConfig returns the current drop-log toggle
func (a *Agent) DropLogConfig() model.PacketDropLogConfig {
	a.dropLog.mu.Lock()
	defer a.dropLog.mu.Unlock()
	return a.dropLog.config
}

// DropFlows returns a snapshot of the configured drop-flow filters
func (a *Agent) DropFlows() []model.PacketDropFlowSpec {
	a.dropLog.mu.Lock()
	defer a.dropLog.mu.Unlock()
	out := make([]model.PacketDropFlowSpec, 0, len(a.dropLog.flows))
	for _, spec := range a.dropLog.flows {
		out = append(out, *spec)
	}
	return out
}
