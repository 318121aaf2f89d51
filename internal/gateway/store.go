package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway/connection"
)

// Store persists gateway configuration and the last known status.
type Store interface {
	// ListConfigs returns every stored gateway ordered by id.
	ListConfigs(ctx context.Context) ([]Config, error)

	// GetConfig returns one gateway. Returns ErrGatewayNotFound if absent.
	GetConfig(ctx context.Context, id string) (*Config, error)

	// UpsertConfig inserts or replaces a gateway's configuration, keeping
	// its persisted status.
	UpsertConfig(ctx context.Context, cfg Config) error

	// SaveStatus records state, last heartbeat and error text.
	// Returns ErrGatewayNotFound if the gateway is not stored.
	SaveStatus(ctx context.Context, st Status) error

	// LoadStatus returns the persisted status of a gateway.
	LoadStatus(ctx context.Context, id string) (*Status, error)
}

// SQLiteStore implements Store on the gateways table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store on an open, migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const selectConfigColumns = `
		SELECT id, facility_id, name, gateway_type, connection_url, base_url,
			api_key, protocol_version, key_management_version,
			poll_frequency_ms, ignore_tls_validation
		FROM gateways`

// ListConfigs returns every stored gateway.
func (s *SQLiteStore) ListConfigs(ctx context.Context) ([]Config, error) {
	rows, err := s.db.QueryContext(ctx, selectConfigColumns+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying gateways: %w", err)
	}
	defer rows.Close()

	var out []Config
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning gateway: %w", err)
		}
		out = append(out, *cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating gateways: %w", err)
	}
	return out, nil
}

// GetConfig returns one gateway's configuration.
func (s *SQLiteStore) GetConfig(ctx context.Context, id string) (*Config, error) {
	row := s.db.QueryRowContext(ctx, selectConfigColumns+` WHERE id = ?`, id)
	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrGatewayNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying gateway %s: %w", id, err)
	}
	return cfg, nil
}

// UpsertConfig inserts or replaces a gateway's configuration.
func (s *SQLiteStore) UpsertConfig(ctx context.Context, cfg Config) error {
	if cfg.ID == "" || cfg.FacilityID == "" {
		return fmt.Errorf("%w: id and facility id are required", ErrInvalidConfig)
	}
	if !cfg.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateways (
			id, facility_id, name, gateway_type, connection_url, base_url,
			api_key, protocol_version, key_management_version,
			poll_frequency_ms, ignore_tls_validation, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			facility_id = excluded.facility_id,
			name = excluded.name,
			gateway_type = excluded.gateway_type,
			connection_url = excluded.connection_url,
			base_url = excluded.base_url,
			api_key = excluded.api_key,
			protocol_version = excluded.protocol_version,
			key_management_version = excluded.key_management_version,
			poll_frequency_ms = excluded.poll_frequency_ms,
			ignore_tls_validation = excluded.ignore_tls_validation,
			updated_at = excluded.updated_at`,
		cfg.ID, cfg.FacilityID, cfg.Name, string(cfg.Type), cfg.ConnectionURL, cfg.BaseURL,
		cfg.APIKey, cfg.ProtocolVersion, cfg.KeyManagementVersion,
		cfg.PollFrequency.Milliseconds(), cfg.IgnoreTLSValidation, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting gateway %s: %w", cfg.ID, err)
	}
	return nil
}

// SaveStatus records a status snapshot.
func (s *SQLiteStore) SaveStatus(ctx context.Context, st Status) error {
	var errMsg sql.NullString
	if st.ErrorMessage != "" {
		errMsg = sql.NullString{String: st.ErrorMessage, Valid: true}
	}
	var lastSeen sql.NullString
	if st.LastHeartbeat != nil {
		lastSeen = sql.NullString{String: st.LastHeartbeat.UTC().Format(time.RFC3339), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE gateways
		SET state = ?, last_seen = COALESCE(?, last_seen), error_message = ?, updated_at = ?
		WHERE id = ?`,
		string(st.State), lastSeen, errMsg, time.Now().UTC().Format(time.RFC3339), st.GatewayID,
	)
	if err != nil {
		return fmt.Errorf("saving status of gateway %s: %w", st.GatewayID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrGatewayNotFound, st.GatewayID)
	}
	return nil
}

// LoadStatus returns the persisted status of a gateway.
func (s *SQLiteStore) LoadStatus(ctx context.Context, id string) (*Status, error) {
	var st Status
	var typ, state, updatedAt string
	var lastSeen, errMsg sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, facility_id, gateway_type, protocol_version, state,
			last_seen, error_message, updated_at
		FROM gateways WHERE id = ?`, id,
	).Scan(&st.GatewayID, &st.FacilityID, &typ, &st.ProtocolVersion, &state, &lastSeen, &errMsg, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrGatewayNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying status of gateway %s: %w", id, err)
	}

	st.Type = Type(typ)
	st.State = connection.State(state)
	st.ErrorMessage = errMsg.String
	if lastSeen.Valid {
		if t, err := time.Parse(time.RFC3339, lastSeen.String); err == nil {
			st.LastHeartbeat = &t
		}
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		st.UpdatedAt = t
	}
	return &st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(scanner rowScanner) (*Config, error) {
	var cfg Config
	var typ string
	var pollMs int64
	if err := scanner.Scan(
		&cfg.ID,
		&cfg.FacilityID,
		&cfg.Name,
		&typ,
		&cfg.ConnectionURL,
		&cfg.BaseURL,
		&cfg.APIKey,
		&cfg.ProtocolVersion,
		&cfg.KeyManagementVersion,
		&pollMs,
		&cfg.IgnoreTLSValidation,
	); err != nil {
		return nil, err
	}
	cfg.Type = Type(typ)
	cfg.PollFrequency = time.Duration(pollMs) * time.Millisecond
	return &cfg, nil
}
