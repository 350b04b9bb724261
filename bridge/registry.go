package bridge

import (
	"sync"

	"github.com/lagopus-go/dpcore/lerr"
	"github.com/lagopus-go/dpcore/ofp"
)

// Registry owns the process's bridges and routes control-plane
// requests to them by datapath id or name.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Bridge
	byDPID map[uint64]*Bridge
}

// NewRegistry creates an empty bridge registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Bridge),
		byDPID: make(map[uint64]*Bridge),
	}
}

// Create builds a bridge and registers it under its name and dpid,
// both of which must be unused.
func (r *Registry) Create(name string, cfg Config, opts Options) (*Bridge, error) {
	if name == "" {
		return nil, lerr.New(lerr.InvalidArgs, "bridge: empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return nil, lerr.Newf(lerr.AlreadyExists, "bridge: name %q in use", name)
	}
	if _, ok := r.byDPID[cfg.DPID]; ok {
		return nil, lerr.Newf(lerr.AlreadyExists, "bridge: dpid %#x in use", cfg.DPID)
	}

	b := New(name, cfg, opts)
	r.byName[name] = b
	r.byDPID[cfg.DPID] = b
	return b, nil
}

// Destroy stops and unregisters a bridge. A bridge still holding ports
// cannot be destroyed; detach them first.
func (r *Registry) Destroy(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.byName[name]
	if !ok {
		return lerr.Newf(lerr.NotFound, "bridge: %q not found", name)
	}
	if b.PortCount() != 0 {
		return lerr.Newf(lerr.InvalidArgs, "bridge: %q still has ports attached", name)
	}

	b.Stop()
	delete(r.byName, name)
	delete(r.byDPID, b.cfg.DPID)
	return nil
}

// ByName returns the bridge registered under name.
func (r *Registry) ByName(name string) (*Bridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byName[name]
	return b, ok
}

// ByDPID returns the bridge advertising the given datapath id.
func (r *Registry) ByDPID(dpid uint64) (*Bridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byDPID[dpid]
	return b, ok
}

func (r *Registry) dispatch(dpid uint64, fn func(*Bridge) error) error {
	b, ok := r.ByDPID(dpid)
	if !ok {
		return lerr.Newf(lerr.NotFound, "bridge: no datapath %#x", dpid)
	}
	return fn(b)
}

// FlowMod routes a flow modification to the bridge advertising dpid.
func (r *Registry) FlowMod(dpid uint64, fm *ofp.FlowMod) error {
	return r.dispatch(dpid, func(b *Bridge) error { return b.FlowMod(fm) })
}

// GroupMod routes a group modification to the bridge advertising dpid.
func (r *Registry) GroupMod(dpid uint64, gm *ofp.GroupMod) error {
	return r.dispatch(dpid, func(b *Bridge) error { return b.GroupMod(gm) })
}

// MeterMod routes a meter modification to the bridge advertising dpid.
func (r *Registry) MeterMod(dpid uint64, mm *ofp.MeterMod) error {
	return r.dispatch(dpid, func(b *Bridge) error { return b.MeterMod(mm) })
}

// BridgePortSet attaches a port to the named bridge under the given
// port number.
func (r *Registry) BridgePortSet(bridgeName string, p *Port, no ofp.PortNo) error {
	b, ok := r.ByName(bridgeName)
	if !ok {
		return lerr.Newf(lerr.NotFound, "bridge: %q not found", bridgeName)
	}
	p.No = no
	return b.AddPort(p)
}

// BridgePortUnset detaches a port from the named bridge.
func (r *Registry) BridgePortUnset(bridgeName string, no ofp.PortNo) error {
	b, ok := r.ByName(bridgeName)
	if !ok {
		return lerr.Newf(lerr.NotFound, "bridge: %q not found", bridgeName)
	}
	return b.RemovePort(no)
}
