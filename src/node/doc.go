// Package node implements the top-level component that ties the engines
// together: the trust ledger, work registry, consensus engine, scheduler,
// Byzantine monitor, counterexample coordinator, and gossip replication all
// run under one Node, each on its own timer.
package node
