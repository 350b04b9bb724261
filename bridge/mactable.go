package bridge

import (
	"bytes"
	"sync"
	"time"

	"github.com/lagopus-go/dpcore/iface"
	dpnet "github.com/lagopus-go/dpcore/net"
	"github.com/lagopus-go/dpcore/ofp"
	"github.com/lagopus-go/dpcore/pipeline"
	"github.com/lagopus-go/dpcore/ptree"
)

const (
	defaultMACAgeing  = 300 * time.Second
	defaultMACEntries = 8192
)

// macTable is the learning table behind OFPP_NORMAL output and the
// fail-standalone table-miss fallback: source MAC to ingress port,
// stored in the refcounted prefix tree keyed by the full 48-bit
// address.
type macTable struct {
	mu     sync.Mutex
	tree   *ptree.Tree
	count  int
	max    int
	ageing time.Duration
	clock  iface.Time
}

type macEntry struct {
	port ofp.PortNo
	seen time.Time
}

func newMACTable(cfg Config, clock iface.Time) *macTable {
	tree, _ := ptree.New(48)

	ageing := defaultMACAgeing
	if cfg.MACTableAgeingTime != 0 {
		ageing = time.Duration(cfg.MACTableAgeingTime) * time.Second
	}
	max := defaultMACEntries
	if cfg.MACTableMaxEntries != 0 {
		max = int(cfg.MACTableMaxEntries)
	}

	return &macTable{tree: tree, max: max, ageing: ageing, clock: clock}
}

// learn records mac as reachable through port. A full table drops new
// addresses but keeps refreshing known ones.
func (mt *macTable) learn(mac []byte, port ofp.PortNo) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	n, err := mt.tree.Insert(mac, 48)
	if err != nil {
		return
	}
	if e, ok := n.Info().(*macEntry); ok {
		e.port = port
		e.seen = mt.clock.Now()
	} else if mt.count < mt.max {
		n.SetInfo(&macEntry{port: port, seen: mt.clock.Now()})
		mt.count++
	}
	mt.tree.Release(n)
}

// lookup resolves mac to its learned port, expiring stale entries on
// the way.
func (mt *macTable) lookup(mac []byte) (ofp.PortNo, bool) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	n := mt.tree.Lookup(mac, 48)
	if n == nil {
		return 0, false
	}
	e, ok := n.Info().(*macEntry)
	if !ok {
		mt.tree.Release(n)
		return 0, false
	}
	if mt.clock.Now().Sub(e.seen) > mt.ageing {
		n.SetInfo(nil)
		mt.count--
		mt.tree.Release(n)
		return 0, false
	}
	port := e.port
	mt.tree.Release(n)
	return port, true
}

// normalForward is the bridge's OFPP_NORMAL handler: learn the source
// address, then unicast toward a known destination or flood.
func (b *Bridge) normalForward(frame []byte, inPort ofp.PortNo) []pipeline.Emit {
	var eth dpnet.EthernetII
	if err := eth.Read(bytes.NewReader(frame)); err != nil {
		return nil
	}

	b.macs.learn(eth.Src[:], inPort)

	if port, ok := b.macs.lookup(eth.Dst[:]); ok {
		if port == inPort || !b.ports.PortLive(port) {
			return nil
		}
		return []pipeline.Emit{{Port: port, Frame: frame}}
	}

	var out []pipeline.Emit
	for _, p := range b.ports.ForwardingPorts() {
		if p != inPort {
			out = append(out, pipeline.Emit{Port: p, Frame: frame})
		}
	}
	return out
}
