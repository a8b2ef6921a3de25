// Package peers defines the concept of a verification peer and implements
// functions to manage collections of peers.
//
// A peer is an entity that operates a verification node and publishes state
// snapshots under a well-known name on the content network. Peers are
// identified by their public keys, and optionally a moniker which is a
// non-unique user-friendly name.
//
// Upon starting up, a node expects to find a peers.json file in its data
// directory, listing the peers whose snapshots it should pull. The list is
// complemented at runtime by peers discovered through the content network.
package peers
