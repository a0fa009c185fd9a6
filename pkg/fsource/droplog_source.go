package fsource

import (
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"github.com/opendaylight/opflex-agent/pkg/model"
)

// Recognized drop-log file suffixes
const (
	dropLogCfgSuffix  = ".droplogcfg"
	dropFlowCfgSuffix = ".dropflowcfg"
)

// DropLogListener consumes packet drop-log configuration changes
type DropLogListener interface {
	// DropLogConfigUpdated is invoked when the drop-log configuration
	// changes; a deleted configuration file arrives as disabled
	DropLogConfigUpdated(cfg *model.PacketDropLogConfig)

	// DropFlowUpdated is invoked when a drop-flow filter changes
	DropFlowUpdated(spec *model.PacketDropFlowSpec)

	// DropFlowDeleted is invoked when a drop-flow filter is removed
	DropFlowDeleted(uuid string)
}

// DropLogSource translates .droplogcfg and .dropflowcfg files into
// drop-log listener notifications
type DropLogSource struct {
	listener DropLogListener

	mu sync.Mutex

	// knownFlows maps drop-flow file path to declared uuid
	knownFlows map[string]string
}

// NewDropLogSource creates a drop-log source and registers it on the
// watcher for the directory
func NewDropLogSource(watcher *Watcher, dir string, listener DropLogListener) *DropLogSource {
	s := &DropLogSource{
		listener:   listener,
		knownFlows: make(map[string]string),
	}
	watcher.AddWatch(dir, s)
	return s
}

// Matches implements Handler
func (s *DropLogSource) Matches(name string) bool {
	return strings.HasSuffix(name, dropLogCfgSuffix) ||
		strings.HasSuffix(name, dropFlowCfgSuffix)
}

// Updated implements Handler
func (s *DropLogSource) Updated(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		klog.Errorf("Could not read drop-log file %s: %v", path, err)
		return
	}
	switch {
	case strings.HasSuffix(path, dropLogCfgSuffix):
		cfg, err := model.ParsePacketDropLogConfig(data)
		if err != nil {
			klog.Errorf("Could not parse drop-log config %s: %v", path, err)
			return
		}
		s.listener.DropLogConfigUpdated(cfg)
		klog.V(4).Infof("Updated drop-log config from %s", path)

	case strings.HasSuffix(path, dropFlowCfgSuffix):
		spec, err := model.ParsePacketDropFlowSpec(data)
		if err != nil {
			klog.Errorf("Could not parse drop-flow config %s: %v", path, err)
			return
		}

		s.mu.Lock()
		oldUUID, had := s.knownFlows[path]
		s.knownFlows[path] = spec.UUID
		s.mu.Unlock()

		if had && oldUUID != spec.UUID {
			s.listener.DropFlowDeleted(oldUUID)
		}
		s.listener.DropFlowUpdated(spec)
		klog.V(4).Infof("Updated drop-flow %s from %s", spec.UUID, path)
	}
}

// Deleted implements Handler
func (s *DropLogSource) Deleted(path string) {
	switch {
	case strings.HasSuffix(path, dropLogCfgSuffix):
		s.listener.DropLogConfigUpdated(&model.PacketDropLogConfig{Enable: false})
		klog.V(4).Infof("Removed drop-log config %s", path)

	case strings.HasSuffix(path, dropFlowCfgSuffix):
		s.mu.Lock()
		uuid, ok := s.knownFlows[path]
		delete(s.knownFlows, path)
		s.mu.Unlock()
		if !ok {
			return
		}
		s.listener.DropFlowDeleted(uuid)
		klog.V(4).Infof("Removed drop-flow %s for %s", uuid, path)
	}
}
