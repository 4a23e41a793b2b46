package history

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const upsertPeerSQL = `
INSERT INTO peers (peer, peer_address, router_id, as_number, hostname, description, first_seen, last_seen, last_established)
VALUES ($1, $2, $3, $4, $5, $6, now(), now(), now())
ON CONFLICT (peer) DO UPDATE SET
    peer_address     = EXCLUDED.peer_address,
    router_id        = COALESCE(EXCLUDED.router_id, peers.router_id),
    as_number        = COALESCE(EXCLUDED.as_number, peers.as_number),
    hostname         = COALESCE(EXCLUDED.hostname, peers.hostname),
    description      = COALESCE(EXCLUDED.description, peers.description),
    last_seen        = now(),
    last_established = now()`

// PeerInfo is what is known about a peer once its session is Established.
type PeerInfo struct {
	Name        string
	Address     string
	RouterID    string
	ASN         uint32
	Hostname    string // from the FQDN capability, if advertised
	Description string
}

// UpsertPeer inserts or updates peer metadata when a session comes up.
// COALESCE keeps values learned from a previous session when the current
// OPEN does not carry them.
// Errors are returned for logging but should be treated as non-fatal to the session.
func UpsertPeer(ctx context.Context, db Execer, p PeerInfo) error {
	_, err := db.Exec(ctx, upsertPeerSQL,
		p.Name,
		p.Address,
		nilIfEmpty(p.RouterID),
		nilIfZero(int64(p.ASN)),
		nilIfEmpty(p.Hostname),
		nilIfEmpty(p.Description),
	)
	return err
}
