// internal/party/postgres.go
// PostgreSQL party registry, intended for production use.
package party

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gridlink/gridlink-ocpi-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgres implements the Store interface on a pgx connection pool.
// Role and access-info collections are stored as JSONB columns; the party
// row itself is the unit of atomic replacement.
type postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL party registry. It establishes a
// connection pool and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates the remote_parties table and its indexes if absent.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Remote parties table: one row per external peer
		CREATE TABLE IF NOT EXISTS remote_parties (
		    id TEXT PRIMARY KEY,                      -- Stable peer identity (country*party)
		    roles JSONB NOT NULL,                     -- Credentials roles the peer claims
		    local_access_infos JSONB NOT NULL,        -- Tokens we issued to the peer
		    remote_access_infos JSONB NOT NULL,       -- Tokens the peer issued to us
		    status TEXT NOT NULL,                     -- ENABLED or DISABLED
		    last_updated TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- Inbound auth resolves tokens through JSONB containment
		CREATE INDEX IF NOT EXISTS idx_remote_parties_local_tokens
		    ON remote_parties USING GIN (local_access_infos);
	`
	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the connection pool.
func (p *postgres) Close() {
	p.db.Close()
}

// scanParty decodes one remote_parties row.
func scanParty(row pgx.Row) (*model.RemoteParty, error) {
	var rp model.RemoteParty
	var roles, localInfos, remoteInfos []byte
	if err := row.Scan(&rp.ID, &roles, &localInfos, &remoteInfos, &rp.Status, &rp.LastUpdated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(roles, &rp.Roles); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	if err := json.Unmarshal(localInfos, &rp.LocalAccessInfos); err != nil {
		return nil, fmt.Errorf("decode local access infos: %w", err)
	}
	if err := json.Unmarshal(remoteInfos, &rp.RemoteAccessInfos); err != nil {
		return nil, fmt.Errorf("decode remote access infos: %w", err)
	}
	return &rp, nil
}

const selectParty = `
	SELECT id, roles, local_access_infos, remote_access_infos, status, last_updated
	FROM remote_parties
`

func (p *postgres) GetParty(ctx context.Context, id string) (*model.RemoteParty, error) {
	row := p.db.QueryRow(ctx, selectParty+` WHERE id = $1`, id)
	return scanParty(row)
}

func (p *postgres) GetPartyByLocalToken(ctx context.Context, token model.AccessToken) (*model.RemoteParty, error) {
	// JSONB containment against the token field of any local access entry
	match, err := json.Marshal([]map[string]string{{"token": string(token)}})
	if err != nil {
		return nil, err
	}
	row := p.db.QueryRow(ctx, selectParty+` WHERE local_access_infos @> $1`, match)
	return scanParty(row)
}

func (p *postgres) ListParties(ctx context.Context) ([]model.RemoteParty, error) {
	rows, err := p.db.Query(ctx, selectParty+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []model.RemoteParty
	for rows.Next() {
		rp, err := scanParty(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rp)
	}
	return list, rows.Err()
}

func (p *postgres) AddOrUpdateRemoteParty(ctx context.Context, params UpsertParams) (*model.RemoteParty, error) {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	existing, err := scanParty(tx.QueryRow(ctx, selectParty+` WHERE id = $1 FOR UPDATE`, params.ID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	updated := applyUpsert(existing, params)

	roles, err := json.Marshal(updated.Roles)
	if err != nil {
		return nil, err
	}
	localInfos, err := json.Marshal(updated.LocalAccessInfos)
	if err != nil {
		return nil, err
	}
	remoteInfos, err := json.Marshal(updated.RemoteAccessInfos)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO remote_parties (id, roles, local_access_infos, remote_access_infos, status, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    roles = EXCLUDED.roles,
		    local_access_infos = EXCLUDED.local_access_infos,
		    remote_access_infos = EXCLUDED.remote_access_infos,
		    status = EXCLUDED.status,
		    last_updated = EXCLUDED.last_updated
	`, updated.ID, roles, localInfos, remoteInfos, updated.Status, updated.LastUpdated)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (p *postgres) DisableParty(ctx context.Context, id string) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE remote_parties SET
		    status = $2,
		    local_access_infos = (
		        SELECT COALESCE(jsonb_agg(jsonb_set(e, '{status}', to_jsonb($3::text))), '[]'::jsonb)
		        FROM jsonb_array_elements(local_access_infos) e
		    ),
		    remote_access_infos = (
		        SELECT COALESCE(jsonb_agg(jsonb_set(e, '{status}', to_jsonb($4::text))), '[]'::jsonb)
		        FROM jsonb_array_elements(remote_access_infos) e
		    ),
		    last_updated = NOW()
		WHERE id = $1
	`, id, model.PartyDisabled, model.AccessBlocked, model.RemoteOffline)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
