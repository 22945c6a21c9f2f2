package ranging

import (
	"errors"
	"fmt"
	"time"

	"github.com/rangelink/rangelink/internal/dwtime"
	"github.com/rangelink/rangelink/internal/protocol"
)

// MaxPeers is the capacity of a peer registry.
const MaxPeers = 4

// Registry errors.
var (
	ErrRegistryFull  = errors.New("peer registry full")
	ErrDuplicatePeer = errors.New("peer already registered")
	ErrUnknownPeer   = errors.New("unknown peer")
)

// Identity names a device by its extended unique identifier and short address.
type Identity struct {
	EUI          [protocol.EUISize]byte
	ShortAddress uint16
}

// String formats the identity as EUI/short.
func (id Identity) String() string {
	return protocol.FormatEUI(id.EUI) + "/" + protocol.FormatShort(id.ShortAddress)
}

// Peer is the per-peer ranging record. It holds the six timestamps of the
// current exchange and the outcome of the last completed one.
type Peer struct {
	Identity

	PollSent        dwtime.Timestamp
	PollReceived    dwtime.Timestamp
	PollAckSent     dwtime.Timestamp
	PollAckReceived dwtime.Timestamp
	RangeSent       dwtime.Timestamp
	RangeReceived   dwtime.Timestamp

	Range          float32 // metres
	RxPower        float32 // dBm
	FirstPathPower float32 // dBm
	Quality        float32

	LastUpdate time.Time
}

// Registry is a fixed-capacity set of peers. Records are never moved, so a
// *Peer stays valid for the life of the registry.
type Registry struct {
	peers [MaxPeers]Peer
	n     int
}

// Add registers id and returns its record.
func (r *Registry) Add(id Identity) (*Peer, error) {
	if r.Lookup(id.ShortAddress) != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePeer, id)
	}
	if r.n == MaxPeers {
		return nil, fmt.Errorf("%w: cannot add %s (capacity %d)", ErrRegistryFull, id, MaxPeers)
	}
	p := &r.peers[r.n]
	*p = Peer{Identity: id}
	r.n++
	return p, nil
}

// Lookup returns the record with the given short address, or nil.
func (r *Registry) Lookup(short uint16) *Peer {
	for i := 0; i < r.n; i++ {
		if r.peers[i].ShortAddress == short {
			return &r.peers[i]
		}
	}
	return nil
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	return r.n
}

// At returns the i-th registered record.
func (r *Registry) At(i int) *Peer {
	if i < 0 || i >= r.n {
		return nil
	}
	return &r.peers[i]
}

// Snapshot returns copies of all registered records.
func (r *Registry) Snapshot() []Peer {
	out := make([]Peer, r.n)
	copy(out, r.peers[:r.n])
	return out
}
