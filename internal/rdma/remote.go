package rdma

import (
	"fmt"
	"sync"
)

// UnknownPeerID is the peer node id of a node that has not announced itself.
const UnknownPeerID = -1

type qpSlot struct {
	qp    QP
	bound bool
}

type remoteNode struct {
	slots      []qpSlot
	peerMemory [NumRegions]RegionDescriptor
	localIndex int
	peerNodeID int
}

// RemoteNode is a snapshot of a known peer.
type RemoteNode struct {
	PeerMemory map[string]RegionDescriptor `json:"peer_memory" yaml:"peer_memory"`
	BoundSlots []int                       `json:"bound_slots" yaml:"bound_slots"`
	LocalIndex int                         `json:"local_index" yaml:"local_index"`
	PeerNodeID int                         `json:"peer_node_id" yaml:"peer_node_id"`
}

// NodeDirectory tracks which queue pairs connect to each peer and the memory
// descriptors the peer advertised. It makes no hardware calls; the queue
// pairs it references are owned by a ResourcePool.
type NodeDirectory struct {
	nodes  []*remoteNode
	maxQPs int
	mu     sync.RWMutex
}

// NewNodeDirectory creates a directory for up to maxNodes peers with up to
// maxQPsPerNode queue pairs each.
func NewNodeDirectory(maxNodes, maxQPsPerNode int) *NodeDirectory {
	return &NodeDirectory{
		nodes:  make([]*remoteNode, maxNodes),
		maxQPs: maxQPsPerNode,
	}
}

// MaxNodes returns the number of node indexes the directory accepts.
func (d *NodeDirectory) MaxNodes() int { return len(d.nodes) }

// MaxQPsPerNode returns the number of queue pair slots per node.
func (d *NodeDirectory) MaxQPsPerNode() int { return d.maxQPs }

func (d *NodeDirectory) nodeLocked(localIndex int) (*remoteNode, error) {
	if localIndex < 0 || localIndex >= len(d.nodes) {
		return nil, fmt.Errorf("%w: node %d out of range [0,%d)", ErrInvalidIndex, localIndex, len(d.nodes))
	}

	n := d.nodes[localIndex]
	if n == nil {
		return nil, fmt.Errorf("%w: node %d unknown", ErrInvalidIndex, localIndex)
	}

	return n, nil
}

// EnsureNode creates the record for localIndex on first reference.
func (d *NodeDirectory) EnsureNode(localIndex int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if localIndex < 0 || localIndex >= len(d.nodes) {
		return fmt.Errorf("%w: node %d out of range [0,%d)", ErrInvalidIndex, localIndex, len(d.nodes))
	}

	if d.nodes[localIndex] == nil {
		d.nodes[localIndex] = &remoteNode{
			slots:      make([]qpSlot, d.maxQPs),
			localIndex: localIndex,
			peerNodeID: UnknownPeerID,
		}
	}

	return nil
}

// BindQP stores qp in slot of node localIndex, replacing any previous
// binding.
func (d *NodeDirectory) BindQP(localIndex, slot int, qp QP) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.nodeLocked(localIndex)
	if err != nil {
		return err
	}

	if slot < 0 || slot >= len(n.slots) {
		return fmt.Errorf("%w: slot %d out of range [0,%d)", ErrInvalidIndex, slot, len(n.slots))
	}

	n.slots[slot] = qpSlot{qp: qp, bound: true}

	return nil
}

// UnbindQP clears slot of node localIndex.
func (d *NodeDirectory) UnbindQP(localIndex, slot int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.nodeLocked(localIndex)
	if err != nil {
		return err
	}

	if slot < 0 || slot >= len(n.slots) {
		return fmt.Errorf("%w: slot %d out of range [0,%d)", ErrInvalidIndex, slot, len(n.slots))
	}

	n.slots[slot] = qpSlot{}

	return nil
}

// QP returns the queue pair bound to slot of node localIndex.
func (d *NodeDirectory) QP(localIndex, slot int) (QP, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n, err := d.nodeLocked(localIndex)
	if err != nil {
		return QP{}, false, err
	}

	if slot < 0 || slot >= len(n.slots) {
		return QP{}, false, fmt.Errorf("%w: slot %d out of range [0,%d)", ErrInvalidIndex, slot, len(n.slots))
	}

	s := n.slots[slot]

	return s.qp, s.bound, nil
}

// RecordPeerMemory stores the descriptor a peer advertised for region id.
func (d *NodeDirectory) RecordPeerMemory(localIndex int, id RegionID, desc RegionDescriptor) error {
	if err := checkRegionID(id); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.nodeLocked(localIndex)
	if err != nil {
		return err
	}

	n.peerMemory[id] = desc

	return nil
}

// PeerMemory returns the descriptor the peer advertised for region id.
func (d *NodeDirectory) PeerMemory(localIndex int, id RegionID) (RegionDescriptor, error) {
	if err := checkRegionID(id); err != nil {
		return RegionDescriptor{}, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	n, err := d.nodeLocked(localIndex)
	if err != nil {
		return RegionDescriptor{}, err
	}

	return n.peerMemory[id], nil
}

// SetPeerNodeID records the index the peer uses for this process.
func (d *NodeDirectory) SetPeerNodeID(localIndex, peerID int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.nodeLocked(localIndex)
	if err != nil {
		return err
	}

	n.peerNodeID = peerID

	return nil
}

// Node returns a snapshot of node localIndex.
func (d *NodeDirectory) Node(localIndex int) (RemoteNode, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n, err := d.nodeLocked(localIndex)
	if err != nil {
		return RemoteNode{}, err
	}

	return n.snapshot(), nil
}

// Nodes returns snapshots of every known node ordered by local index.
func (d *NodeDirectory) Nodes() []RemoteNode {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]RemoteNode, 0)

	for _, n := range d.nodes {
		if n != nil {
			out = append(out, n.snapshot())
		}
	}

	return out
}

// Len returns the number of known nodes.
func (d *NodeDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	count := 0

	for _, n := range d.nodes {
		if n != nil {
			count++
		}
	}

	return count
}

// Reset forgets every node.
func (d *NodeDirectory) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	clear(d.nodes)
}

func (n *remoteNode) snapshot() RemoteNode {
	s := RemoteNode{
		PeerMemory: make(map[string]RegionDescriptor),
		BoundSlots: make([]int, 0),
		LocalIndex: n.localIndex,
		PeerNodeID: n.peerNodeID,
	}

	for i, slot := range n.slots {
		if slot.bound {
			s.BoundSlots = append(s.BoundSlots, i)
		}
	}

	for id := range NumRegions {
		if n.peerMemory[id].Valid {
			s.PeerMemory[id.String()] = n.peerMemory[id]
		}
	}

	return s
}
