// Package shard implements shard routing and the cluster forwarder:
// stable-hash shard assignment, a routing table of shard
// leader/follower/epoch, epoch fencing, and quorum-acknowledged
// replication. Grounded on persist::cluster::routing::{types,routing_table,
// routing_table::lookups} and persist::cluster::policy_and_trait in the
// original source.
package shard

import (
	"hash/fnv"
)

// Leader is the current leadership assignment for one shard.
type Leader struct {
	NodeID string
	Epoch  uint64
}

// NewLeader returns a Leader with epoch floored at 1, matching the
// original's RuntimeShardLeader::new.
func NewLeader(nodeID string, epoch uint64) Leader {
	if epoch < 1 {
		epoch = 1
	}
	return Leader{NodeID: nodeID, Epoch: epoch}
}

// Route is a computed route for an operation on a specific shard, from the
// perspective of one local node.
type Route struct {
	ShardID       uint32
	LeaderNodeID  string
	LeaderEpoch   uint64
	LocalIsLeader bool
}

// Movement records a shard leadership change driven externally.
type Movement struct {
	ShardID        uint32
	PreviousLeader Leader
	NextLeader     Leader
	Followers      []string
}

// Table is the cluster topology: shard -> leader/followers/quorum
// override, grounded on RuntimeShardRoutingTable.
type Table struct {
	ShardCount   uint32
	DefaultLeader string
	leaders      map[uint32]Leader
	followers    map[uint32][]string
	writeQuorum  map[uint32]int
	version      uint64
}

// NewTable constructs a routing table for shardCount shards, all initially
// owned by defaultLeader at epoch 1.
func NewTable(shardCount uint32, defaultLeader string) *Table {
	return &Table{
		ShardCount:    shardCount,
		DefaultLeader: defaultLeader,
		leaders:       make(map[uint32]Leader),
		followers:     make(map[uint32][]string),
		writeQuorum:   make(map[uint32]int),
	}
}

// stableShardFor hashes (entityType, entityID) to a shard id modulo
// shardCount, stable across nodes.
func stableShardFor(entityType, entityID string, shardCount uint32) uint32 {
	if shardCount == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(entityType))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(entityID))
	return uint32(h.Sum64() % uint64(shardCount))
}

// ShardFor computes the shard id for (entityType, entityID).
func (t *Table) ShardFor(entityType, entityID string) uint32 {
	return stableShardFor(entityType, entityID, t.ShardCount)
}

// LeaderForShard returns the current leader for shardID, falling back to
// DefaultLeader at epoch 1 when no explicit override exists.
func (t *Table) LeaderForShard(shardID uint32) Leader {
	if l, ok := t.leaders[shardID]; ok {
		return l
	}
	return NewLeader(t.DefaultLeader, 1)
}

// FollowersForShard returns the configured follower node ids for shardID.
func (t *Table) FollowersForShard(shardID uint32) []string {
	return append([]string(nil), t.followers[shardID]...)
}

// ReplicaNodesForShard returns every replica (leader first, then
// followers, deduplicated) for shardID.
func (t *Table) ReplicaNodesForShard(shardID uint32) []string {
	seen := make(map[string]bool)
	var nodes []string
	leader := t.LeaderForShard(shardID)
	if !seen[leader.NodeID] {
		seen[leader.NodeID] = true
		nodes = append(nodes, leader.NodeID)
	}
	for _, f := range t.FollowersForShard(shardID) {
		if !seen[f] {
			seen[f] = true
			nodes = append(nodes, f)
		}
	}
	return nodes
}

// WriteQuorumForShard returns the number of acks required for a write to
// shardID to be considered quorum-satisfied: a configured override if
// present, otherwise a strict majority of replicas.
func (t *Table) WriteQuorumForShard(shardID uint32) int {
	if q, ok := t.writeQuorum[shardID]; ok {
		return q
	}
	total := len(t.ReplicaNodesForShard(shardID))
	if total < 1 {
		total = 1
	}
	return total/2 + 1
}

// RouteFor computes the route for (entityType, entityID) from localNodeID's
// perspective.
func (t *Table) RouteFor(entityType, entityID, localNodeID string) Route {
	shardID := t.ShardFor(entityType, entityID)
	leader := t.LeaderForShard(shardID)
	return Route{
		ShardID:       shardID,
		LeaderNodeID:  leader.NodeID,
		LeaderEpoch:   leader.Epoch,
		LocalIsLeader: leader.NodeID == localNodeID,
	}
}

// ApplyMovement records a shard leadership change, monotonically advancing
// the table's version on every movement.
func (t *Table) ApplyMovement(m Movement) {
	t.leaders[m.ShardID] = m.NextLeader
	t.followers[m.ShardID] = append([]string(nil), m.Followers...)
	t.version++
}

// Version returns the routing table's monotonic revision counter.
func (t *Table) Version() uint64 { return t.version }

// SetWriteQuorumOverride overrides the computed majority quorum for a
// shard.
func (t *Table) SetWriteQuorumOverride(shardID uint32, quorum int) {
	t.writeQuorum[shardID] = quorum
}
