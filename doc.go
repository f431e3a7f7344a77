// Package xrouter and its sub-packages implement a transfer router: a service that moves assets between accounts held
// on one or more ledgers, coordinating with peer routers over a message broker.
/*
xrouter provides you with one microservice, the router (package router), started running cmd/router/main.go.

Architecture

A router processes transfers. Every transfer is checked against the asset authority, funded by a balance reservation,
optionally confirmed by a second router and run on the ledgers, ending CONFIRMED or FAILED with a reason. A transfer
between accounts of different ledgers locks the funds on the source ledger and mints them on the destination one,
compensating the applied steps if a later one fails.

The coordination is split in three components:

1) crossledger: balance reservations and same-ledger or cross-ledger operations over ledger adapters (package
 lib/ledger), with rollback.

2) authority: which router is primary for an asset and which ones back it up. Primaries heartbeat their assets; a backup
 takes an asset over once its primary heartbeat is stale.

3) confirmation: signed confirmation records, written by a bounded pool of workers fed from a priority queue.

Routers sharing a store (package lib/store) see the same authority registrations and confirmation records. The store
is a product agnostic key-value layer with memory, redis, postgresql and mongodb implementations. Routers sharing a
message broker (package lib/msg) exchange signed heartbeats, discovery and dual confirmation messages. The broker is
implemented over AMQP, or in memory for a single process.

Every router exposes an HTTP monitoring API with its health, metrics, peers, asset authority and confirmation records,
and can also be monitored via a Prometheus API by setting the flag "-m" at startup.

The service is configured via a JSON config file given at startup, which environment variables can override.
*/
package xrouter
