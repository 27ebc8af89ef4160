package sqlstore

import (
	"context"
	"database/sql"
	"sync/atomic"
)

// LoadBalancer selects the replica serving the next read.
type LoadBalancer interface {
	Next(replicas []*sql.DB) *sql.DB
}

// RoundRobinLoadBalancer hands reads to each replica in turn.
type RoundRobinLoadBalancer struct {
	n atomic.Uint64
}

// Next returns the next replica, or nil when there is none.
func (r *RoundRobinLoadBalancer) Next(replicas []*sql.DB) *sql.DB {
	switch len(replicas) {
	case 0:
		return nil
	case 1:
		return replicas[0]
	}
	return replicas[(r.n.Add(1)-1)%uint64(len(replicas))]
}

type txKey struct{}

// txFrom returns the transaction opened by Store.Transaction, if ctx carries one.
func txFrom(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// resolver decides where a statement runs. Statements inside a transaction
// stay on it; writes go to the primary and relation reads to a replica.
type resolver struct {
	primary  *sql.DB
	replicas []*sql.DB
	lb       LoadBalancer
}

// route returns the transaction to use, or nil and the pool to use.
func (r *resolver) route(ctx context.Context, write bool) (*sql.Tx, *sql.DB) {
	if tx, ok := txFrom(ctx); ok {
		return tx, nil
	}
	if write || len(r.replicas) == 0 {
		return nil, r.primary
	}
	if db := r.lb.Next(r.replicas); db != nil {
		return nil, db
	}
	return nil, r.primary
}
