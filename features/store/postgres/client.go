// Package postgres implements the store contracts on PostgreSQL via pgx. One
// pgxpool.Pool backs every repository; the claim protocol leans on
// FOR UPDATE SKIP LOCKED so concurrent scheduler workers never double-claim,
// and InTx gives the scheduler its single-commit run-finish plus endpoint
// advance.
//
// Sensitive endpoint headers are encrypted at this boundary: AddEndpoint and
// UpdateEndpoint seal the header map through secrets.Cipher before it reaches
// a row, and every scan opens it again, so domain code only ever sees
// plaintext.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cronicorn/cronicorn/runtime/schedule"
	"github.com/cronicorn/cronicorn/runtime/secrets"
	"github.com/cronicorn/cronicorn/runtime/store"
)

const clientName = "store-postgres"

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, letting
// the repositories run against either.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Options configures the Postgres store client.
type Options struct {
	Pool   *pgxpool.Pool
	Cipher *secrets.Cipher
	Clock  schedule.Clock
	Cron   schedule.Cron
}

// Client owns the pool and hands out repository bundles.
type Client struct {
	pool   *pgxpool.Pool
	cipher *secrets.Cipher
	clock  schedule.Clock
	cron   schedule.Cron
}

// New validates the options and returns a Client.
func New(opts Options) (*Client, error) {
	if opts.Pool == nil {
		return nil, errors.New("pgx pool is required")
	}
	if opts.Cipher == nil {
		return nil, errors.New("header cipher is required")
	}
	c := &Client{
		pool:   opts.Pool,
		cipher: opts.Cipher,
		clock:  opts.Clock,
		cron:   opts.Cron,
	}
	if c.clock == nil {
		c.clock = schedule.SystemClock{}
	}
	if c.cron == nil {
		c.cron = schedule.NewStandardCron()
	}
	return c, nil
}

// Name identifies the client for health reporting.
func (c *Client) Name() string { return clientName }

// Ping reports database reachability.
func (c *Client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.pool.Ping(ctx)
}

// Close releases the pool.
func (c *Client) Close() { c.pool.Close() }

// Stores returns the repository bundle backed by the pool.
func (c *Client) Stores() store.Stores {
	return c.storesOn(c.pool)
}

// InTx runs fn against transaction-scoped repositories. Every write inside fn
// commits atomically or not at all.
func (c *Client) InTx(ctx context.Context, fn func(store.Stores) error) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(c.storesOn(tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (c *Client) storesOn(q querier) store.Stores {
	return store.Stores{
		Jobs:     &jobsStore{q: q, cipher: c.cipher, clock: c.clock, cron: c.cron},
		Runs:     &runsStore{q: q, clock: c.clock},
		Sessions: &sessionsStore{q: q},
		Users:    &usersStore{q: q},
	}
}

// durations cross the wire as millisecond counts.

func msOrNil(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

func durOrNil(ms *int64) *time.Duration {
	if ms == nil {
		return nil
	}
	d := time.Duration(*ms) * time.Millisecond
	return &d
}
