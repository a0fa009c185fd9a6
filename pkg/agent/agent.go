// Package agent composes the policy agent's subsystems.
//
// The Agent owns the endpoint and service managers, the learning-bridge
// manager, the id generator, the declaration sources, the notification
// server and the OVSDB connection, and starts and stops them as one
// unit. Shutdown signals every subsystem to stop and aborts the process
// if the stop does not complete within ten seconds, as a safety net
// against leaked handles.
package agent

import (
	"time"

	"k8s.io/klog/v2"

	"github.com/opendaylight/opflex-agent/pkg/config"
	"github.com/opendaylight/opflex-agent/pkg/epmanager"
	"github.com/opendaylight/opflex-agent/pkg/fsource"
	"github.com/opendaylight/opflex-agent/pkg/idgen"
	"github.com/opendaylight/opflex-agent/pkg/learningbridge"
	"github.com/opendaylight/opflex-agent/pkg/logging"
	"github.com/opendaylight/opflex-agent/pkg/metrics"
	"github.com/opendaylight/opflex-agent/pkg/model"
	"github.com/opendaylight/opflex-agent/pkg/notif"
	"github.com/opendaylight/opflex-agent/pkg/ovsdb"
	"github.com/opendaylight/opflex-agent/pkg/servicemanager"
	"github.com/opendaylight/opflex-agent/pkg/tunnelep"
)

const (
	// shutdownTimeout aborts the process if subsystems fail to stop
	shutdownTimeout = 10 * time.Second

	// idCleanupInterval paces id-generator garbage collection
	idCleanupInterval = 1 * time.Minute

	// tunnelDiscoveryInterval paces uplink address rediscovery
	tunnelDiscoveryInterval = 30 * time.Second
)

// IDNamespaces are the id-generator namespaces the renderers allocate
// tags from
var IDNamespaces = []string{
	"floodDomain", "bridgeDomain", "routingDomain",
	"externalNetwork", "contract", "secGroup", "secGroupSet", "service",
}

// Agent composes the subsystems of one policy agent process
type Agent struct {
	config *config.Config
	log    *logging.Logger

	EndpointManager *epmanager.Manager
	ServiceManager  *servicemanager.Manager
	LearningBridge  *learningbridge.Manager
	IDGen           *idgen.Generator
	NotifServer     *notif.Server
	Ovsdb           *ovsdb.Connection
	TunnelEp        *tunnelep.Manager

	watcher *fsource.Watcher

	// encapIP, when configured, overrides uplink address discovery
	encapIP string

	dropLog *dropLogState

	cleanupStop chan struct{}
	started     bool
}

// New creates an agent from the configuration
func New(cfg *config.Config, log *logging.Logger) (*Agent, error) {
	ovsCfg, err := cfg.OVSRenderer()
	if err != nil {
		return nil, err
	}

	a := &Agent{
		config:          cfg,
		log:             log,
		EndpointManager: epmanager.NewManager(),
		ServiceManager:  servicemanager.NewManager(),
		LearningBridge:  learningbridge.NewManager(),
		IDGen:           idgen.NewGenerator(),
		Ovsdb:           ovsdb.NewConnection(ovsCfg.OvsdbSocket),
		TunnelEp:        tunnelep.NewManager(ovsCfg.UplinkIface, ovsCfg.UplinkVlan),
		watcher:         fsource.NewWatcher(),
		encapIP:         ovsCfg.EncapIP,
		dropLog:         newDropLogState(),
	}

	idDir := cfg.Opflex.IDCacheDir
	if ovsCfg.FlowIDCacheDir != "" {
		idDir = ovsCfg.FlowIDCacheDir
	}
	if idDir != "" {
		a.IDGen.SetPersistDir(idDir)
	}

	if cfg.NotifEnabled() {
		a.NotifServer = notif.NewServer(notif.Config{
			SocketName:        cfg.Opflex.Notif.SocketName,
			SocketOwner:       cfg.Opflex.Notif.SocketOwner,
			SocketGroup:       cfg.Opflex.Notif.SocketGroup,
			SocketPermissions: cfg.Opflex.Notif.SocketPermissions,
		})
	}

	for _, dir := range cfg.EndpointSources.Filesystem {
		fsource.NewEndpointSource(a.watcher, dir, a.EndpointManager)
	}
	for _, dir := range cfg.ServiceSources.Filesystem {
		fsource.NewServiceSource(a.watcher, dir, a.ServiceManager)
	}
	for _, dir := range cfg.DropLogConfigSources.Filesystem {
		fsource.NewDropLogSource(a.watcher, dir, a.dropLog)
	}

	return a, nil
}

// Start brings up the agent subsystems
func (a *Agent) Start() error {
	if a.started {
		return nil
	}
	a.log.Info("Starting opflex agent", "name", a.config.Opflex.Name,
		"domain", a.config.Opflex.Domain)

	metrics.Register()
	for _, ns := range IDNamespaces {
		a.IDGen.InitNamespaceDefault(ns)
	}

	a.wireMetrics()
	a.wireNotifications()

	if a.NotifServer != nil {
		if err := a.NotifServer.Start(); err != nil {
			return err
		}
	}
	if err := a.watcher.Start(); err != nil {
		return err
	}
	if a.encapIP != "" {
		if err := a.TunnelEp.SetTermination(a.encapIP); err != nil {
			return err
		}
	} else {
		a.TunnelEp.Start(tunnelDiscoveryInterval)
	}

	a.cleanupStop = make(chan struct{})
	go a.cleanupLoop()

	a.started = true
	return nil
}

// Stop shuts the agent down; subsystems that fail to stop within the
// shutdown timeout abort the process
func (a *Agent) Stop() {
	if !a.started {
		return
	}
	a.log.Info("Stopping opflex agent")

	done := make(chan struct{})
	abort := time.AfterFunc(shutdownTimeout, func() {
		klog.Fatalf("Subsystems did not stop within %s, aborting", shutdownTimeout)
	})
	go func() {
		close(a.cleanupStop)
		a.watcher.Stop()
		if a.TunnelEp != nil {
			a.TunnelEp.Stop()
		}
		if a.NotifServer != nil {
			a.NotifServer.Stop()
		}
		a.Ovsdb.Disconnect()
		close(done)
	}()
	<-done
	abort.Stop()

	a.started = false
	a.log.Info("Agent stopped")
}

// cleanupLoop periodically reclaims erased ids past their grace period
func (a *Agent) cleanupLoop() {
	ticker := time.NewTicker(idCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.cleanupStop:
			return
		case <-ticker.C:
			a.IDGen.Cleanup()
			for _, ns := range IDNamespaces {
				metrics.IDsRemaining.WithLabelValues(ns).
					Set(float64(a.IDGen.RemainingIDs(ns)))
			}
		}
	}
}

// wireMetrics feeds the model gauges from manager notifications
func (a *Agent) wireMetrics() {
	a.EndpointManager.RegisterListener(epmanager.ListenerFunc(func(uuid string) {
		metrics.EndpointUpdates.Inc()
		metrics.EndpointCount.Set(float64(a.EndpointManager.EndpointCount()))
	}))
	a.ServiceManager.RegisterListener(servicemanager.ListenerFunc(func(uuid string) {
		metrics.ServiceUpdates.Inc()
		metrics.ServiceCount.Set(float64(a.ServiceManager.ServiceCount()))
	}))
}

// wireNotifications publishes virtual-ip events when an endpoint
// declares virtual IPs
func (a *Agent) wireNotifications() {
	if a.NotifServer == nil {
		return
	}
	a.EndpointManager.RegisterListener(epmanager.ListenerFunc(func(uuid string) {
		ep, _ := a.EndpointManager.GetEndpoint(uuid)
		if ep == nil {
			return
		}
		for _, vip := range ep.VirtualIPs {
			a.publishVirtualIP(ep, vip)
		}
	}))
}

func (a *Agent) publishVirtualIP(ep *model.Endpoint, vip model.VirtualIP) {
	if vip.MAC == "" || vip.IP == "" {
		return
	}
	uuids := map[string]struct{}{ep.UUID: {}}
	a.NotifServer.DispatchVirtualIP(uuids, vip.MAC, vip.IP)
	metrics.NotificationsSent.WithLabelValues(notif.TypeVirtualIP).Inc()
}
