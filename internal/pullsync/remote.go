package pullsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gridwatch/gridwatch/internal/model"
)

// Remote is read-only access to the remote configuration tables. Pull uses
// plain SELECT semantics; remote primary keys are treated as stable.
type Remote interface {
	Tenants(ctx context.Context) ([]model.Tenant, error)
	Meters(ctx context.Context) ([]model.Meter, error)
	Registers(ctx context.Context) ([]model.Register, error)
	DeviceRegisters(ctx context.Context) ([]model.DeviceRegister, error)
	Close()
}

// PostgresRemote reads the remote tables over a pgx pool.
type PostgresRemote struct {
	pool *pgxpool.Pool
}

// ConnectPostgres opens a pooled connection to the remote database and
// verifies it with a ping.
func ConnectPostgres(ctx context.Context, dsn string) (*PostgresRemote, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("remote db config: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("remote db ping: %w", err)
	}
	return &PostgresRemote{pool: pool}, nil
}

// Close releases the connection pool.
func (r *PostgresRemote) Close() {
	r.pool.Close()
}

func (r *PostgresRemote) Tenants(ctx context.Context) ([]model.Tenant, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, api_key FROM tenant ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var out []model.Tenant
	for rows.Next() {
		var t model.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.APIKey); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresRemote) Meters(ctx context.Context) ([]model.Meter, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, ip, port, protocol, device_id, element, active, register_map
		FROM meter ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query meters: %w", err)
	}
	defer rows.Close()

	var out []model.Meter
	for rows.Next() {
		var m model.Meter
		if err := rows.Scan(&m.ID, &m.Name, &m.IP, &m.Port, &m.Protocol,
			&m.DeviceID, &m.Element, &m.Active, &m.RegisterMapJSON); err != nil {
			return nil, fmt.Errorf("scan meter: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresRemote) Registers(ctx context.Context) ([]model.Register, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, device_id, name, base_number, unit, field_name
		FROM register ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query registers: %w", err)
	}
	defer rows.Close()

	var out []model.Register
	for rows.Next() {
		var reg model.Register
		if err := rows.Scan(&reg.ID, &reg.DeviceID, &reg.Name, &reg.BaseNumber,
			&reg.Unit, &reg.FieldName); err != nil {
			return nil, fmt.Errorf("scan register: %w", err)
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (r *PostgresRemote) DeviceRegisters(ctx context.Context) ([]model.DeviceRegister, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, device_id, register_id FROM device_register ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query device registers: %w", err)
	}
	defer rows.Close()

	var out []model.DeviceRegister
	for rows.Next() {
		var dr model.DeviceRegister
		if err := rows.Scan(&dr.ID, &dr.DeviceID, &dr.RegisterID); err != nil {
			return nil, fmt.Errorf("scan device register: %w", err)
		}
		out = append(out, dr)
	}
	return out, rows.Err()
}
