package tlscontext

import (
	"context"
	"math/rand/v2"
	"strings"

	"github.com/polisai/tlsctx/pkg/engine"
)

// ProtocolGroup is one weighted set of application protocol names offered
// during negotiation. Names are ordered by local preference within a group.
type ProtocolGroup struct {
	Weight    uint64
	Protocols []string
}

// advertisement is the compiled protocol offer: one wire buffer per group,
// weights index-aligned with the groups, and the cumulative weight table
// the per-handshake draw walks.
type advertisement struct {
	wires   [][]byte
	groups  [][]string
	weights []uint64
	cum     []uint64
	total   uint64
}

func (a advertisement) enabled() bool { return a.total > 0 }

// draw picks one group index with probability proportional to its weight.
// The top-level rand source keeps per-thread state, so concurrent handshakes
// never contend on a shared generator.
func (a advertisement) draw() int {
	if a.total == 0 || len(a.cum) == 0 {
		return 0
	}
	r := rand.Uint64N(a.total)
	for i, cum := range a.cum {
		if r < cum {
			return i
		}
	}
	return len(a.cum) - 1
}

// encodeProtocolWire packs names into the length-prefixed negotiation wire
// format. Names must be 1 to 255 bytes; anything else fails the encode.
func encodeProtocolWire(names []string) ([]byte, bool) {
	var wire []byte
	for _, name := range names {
		if len(name) == 0 || len(name) >= 256 {
			return nil, false
		}
		wire = append(wire, byte(len(name)))
		wire = append(wire, name...)
	}
	return wire, true
}

// SetAdvertisedProtocols offers a single unweighted protocol list. It is
// shorthand for one randomized group of weight 1.
func (c *Context) SetAdvertisedProtocols(names []string) bool {
	return c.SetRandomizedAdvertisedProtocols([]ProtocolGroup{{Weight: 1, Protocols: names}})
}

// SetRandomizedAdvertisedProtocols replaces the whole protocol offer with
// weighted groups. Prior state is cleared first. Groups with no names are
// skipped; a name of 256 bytes or more aborts the whole call with nothing
// retained; zero total weight disables negotiation. On success the first
// group is also published as the primary offer used when this side initiates
// the extension, and that publish decides the return value.
func (c *Context) SetRandomizedAdvertisedProtocols(groups []ProtocolGroup) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.unsetAdvertisedLocked()

	if len(groups) == 0 {
		c.events.LogProtocolAdvertisement(context.Background(), 0, 0, "", false)
		return false
	}

	var ad advertisement
	for _, g := range groups {
		if len(g.Protocols) == 0 {
			continue
		}
		wire, ok := encodeProtocolWire(g.Protocols)
		if !ok {
			c.events.LogProtocolAdvertisement(context.Background(), 0, 0, "", false)
			return false
		}
		ad.wires = append(ad.wires, wire)
		ad.groups = append(ad.groups, append([]string(nil), g.Protocols...))
		ad.weights = append(ad.weights, g.Weight)
		ad.total += g.Weight
		ad.cum = append(ad.cum, ad.total)
	}

	if ad.total == 0 {
		c.events.LogProtocolAdvertisement(context.Background(), len(ad.wires), 0, "", false)
		return false
	}

	c.advertised = ad
	c.eng.SetALPNSelectCallback(dispatchALPNSelect)
	if err := c.eng.SetALPNWire(ad.wires[0]); err != nil {
		c.unsetAdvertisedLocked()
		c.events.LogProtocolAdvertisement(context.Background(), 0, 0, "", false)
		return false
	}

	c.events.LogProtocolAdvertisement(context.Background(), len(ad.wires), ad.total,
		strings.Join(ad.groups[0], ","), true)
	return true
}

// UnsetAdvertisedProtocols clears the offer, the weighted state, the
// negotiation callback, and the primary publication. Calling it on an
// already-clear context is a no-op.
func (c *Context) UnsetAdvertisedProtocols() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsetAdvertisedLocked()
}

func (c *Context) unsetAdvertisedLocked() {
	c.advertised = advertisement{}
	c.eng.SetALPNSelectCallback(nil)
	_ = c.eng.SetALPNWire(nil)
}

// AdvertisedProtocolsString decodes the primary offer back into a
// comma-joined string, empty when negotiation is disabled.
func (c *Context) AdvertisedProtocolsString() string {
	wire := c.eng.ALPNWire()
	if len(wire) == 0 {
		return ""
	}
	names, err := engine.SplitALPNWire(wire)
	if err != nil {
		return ""
	}
	return strings.Join(names, ",")
}

// SetALPNAllowMismatch controls what happens when the peer's offer shares no
// protocol with the drawn group: proceed without a negotiated protocol, the
// default, or abort the handshake with a no-application-protocol alert.
func (c *Context) SetALPNAllowMismatch(allow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alpnAllowMismatch = allow
}

// selectProtocols runs negotiation for one server handshake: draw a group by
// weight, then take the first peer-preferred protocol present in the group.
func (c *Context) selectProtocols(sess *engine.Session, peerProtos []string) ([]string, engine.ALPNAction) {
	c.mu.RLock()
	ad := c.advertised
	allow := c.alpnAllowMismatch
	c.mu.RUnlock()

	if !ad.enabled() {
		return nil, engine.ALPNNoAck
	}

	idx := ad.draw()
	group := ad.groups[idx]

	for _, peer := range peerProtos {
		for _, name := range group {
			if peer == name {
				c.events.LogProtocolSelection(context.Background(), sess.ServerName(), peer, idx, true)
				if c.metrics != nil {
					c.metrics.RecordALPNSelection(context.Background(), peer, idx, true)
				}
				return []string{peer}, engine.ALPNSelected
			}
		}
	}

	c.events.LogProtocolSelection(context.Background(), sess.ServerName(), "", idx, false)
	if c.metrics != nil {
		c.metrics.RecordALPNSelection(context.Background(), "", idx, false)
	}

	if allow {
		return nil, engine.ALPNNoAck
	}
	return group, engine.ALPNFatal
}
