// Package net defines the content-addressed network layer through which
// nodes exchange state snapshots and counterexample records.
//
// There is no point-to-point transport: a node publishes immutable content
// under a content id, advertises the latest id under a mutable well-known
// name, and pulls its peers' names on a schedule. The in-memory
// implementation backs tests and single-node operation.
package net
