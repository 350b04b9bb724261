package bridge

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/lagopus-go/dpcore/lerr"
	"github.com/lagopus-go/dpcore/ofp"
)

// Port is one switch port: an OpenFlow port number bound to a named
// backend interface. Admin state is controlled by the control plane;
// link state is reported by the PacketIO backend.
type Port struct {
	No     ofp.PortNo
	Name   string
	IfName string
	HWAddr net.HardwareAddr

	up   atomic.Bool
	link atomic.Bool

	bridge *Bridge
}

// Bridge returns the bridge the port is attached to, or nil when the
// port is detached.
func (p *Port) Bridge() *Bridge { return p.bridge }

// SetUp sets the port's administrative state.
func (p *Port) SetUp(up bool) { p.up.Store(up) }

// SetLink records the backend's link state.
func (p *Port) SetLink(link bool) { p.link.Store(link) }

// Live reports whether the port forwards: administratively up with
// link up.
func (p *Port) Live() bool { return p.up.Load() && p.link.Load() }

// portMap is the RW-locked port table of one bridge. It doubles as the
// pipeline's PortSet.
type portMap struct {
	mu   sync.RWMutex
	byNo map[ofp.PortNo]*Port
}

func newPortMap() *portMap {
	return &portMap{byNo: make(map[ofp.PortNo]*Port)}
}

func (pm *portMap) add(p *Port) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, ok := pm.byNo[p.No]; ok {
		return lerr.Newf(lerr.AlreadyExists, "bridge: port %d already attached", p.No)
	}
	pm.byNo[p.No] = p
	return nil
}

func (pm *portMap) remove(no ofp.PortNo) (*Port, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	p, ok := pm.byNo[no]
	if !ok {
		return nil, lerr.Newf(lerr.NotFound, "bridge: port %d not attached", no)
	}
	delete(pm.byNo, no)
	return p, nil
}

func (pm *portMap) get(no ofp.PortNo) (*Port, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	p, ok := pm.byNo[no]
	return p, ok
}

func (pm *portMap) len() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.byNo)
}

func (pm *portMap) each(fn func(*Port)) {
	pm.mu.RLock()
	ports := make([]*Port, 0, len(pm.byNo))
	for _, p := range pm.byNo {
		ports = append(ports, p)
	}
	pm.mu.RUnlock()

	sort.Slice(ports, func(i, j int) bool { return ports[i].No < ports[j].No })
	for _, p := range ports {
		fn(p)
	}
}

func (pm *portMap) byName(name string) (*Port, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	for _, p := range pm.byNo {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// PortLive implements group.PortState.
func (pm *portMap) PortLive(no ofp.PortNo) bool {
	p, ok := pm.get(no)
	return ok && p.Live()
}

// ForwardingPorts implements pipeline.PortSet: every live port, in
// port-number order.
func (pm *portMap) ForwardingPorts() []ofp.PortNo {
	var out []ofp.PortNo
	pm.each(func(p *Port) {
		if p.Live() {
			out = append(out, p.No)
		}
	})
	return out
}
