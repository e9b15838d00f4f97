package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"energy_monitor/internal/model"
)

// Postgres reads telemetry from the measurements, customers and
// device_status tables.
type Postgres struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenPostgres connects with the given DSN and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgres(db, logger), nil
}

func NewPostgres(db *sql.DB, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{db: db, logger: logger}
}

func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) Close() error { return p.db.Close() }

const sampleColumns = `id, user_cpf, "timestamp", voltage, current, solar_generation, house_consumption`

func (p *Postgres) QuerySamples(ctx context.Context, subjectID string, q Query) ([]model.Sample, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if q.Latest {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+sampleColumns+`
			FROM measurements
			WHERE user_cpf = $1
			ORDER BY id DESC
			LIMIT $2
		`, subjectID, q.limit())
	} else if q.Newest {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+sampleColumns+`
			FROM measurements
			WHERE user_cpf = $1 AND "timestamp" >= $2
			ORDER BY "timestamp" DESC
			LIMIT $3
		`, subjectID, q.Since, q.limit())
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+sampleColumns+`
			FROM measurements
			WHERE user_cpf = $1 AND "timestamp" >= $2
			ORDER BY "timestamp" ASC
			LIMIT $3
		`, subjectID, q.Since, q.limit())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query measurements: %w", err)
	}
	defer rows.Close()

	var samples []model.Sample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read measurements: %w", err)
	}

	if q.Latest || q.Newest {
		sort.SliceStable(samples, func(i, j int) bool {
			return samples[i].Timestamp.Before(samples[j].Timestamp)
		})
	}
	return samples, nil
}

// scanSample tolerates NULL columns: numbers read as 0 and a missing
// timestamp as the zero time.
func scanSample(rows *sql.Rows) (model.Sample, error) {
	var (
		s                                    model.Sample
		subject                              sql.NullString
		ts                                   sql.NullTime
		voltage, current, solar, consumption sql.NullFloat64
	)
	if err := rows.Scan(&s.ID, &subject, &ts, &voltage, &current, &solar, &consumption); err != nil {
		return model.Sample{}, fmt.Errorf("failed to scan measurement: %w", err)
	}
	s.SubjectID = subject.String
	if ts.Valid {
		s.Timestamp = ts.Time
	}
	s.VoltageV = voltage.Float64
	s.CurrentA = current.Float64
	s.SolarPowerW = solar.Float64
	s.ConsumptionPowerW = consumption.Float64
	return s, nil
}

func (p *Postgres) GetTariff(ctx context.Context, subjectID string) (float64, error) {
	var rate sql.NullFloat64
	err := p.db.QueryRowContext(ctx,
		`SELECT tariff_per_kwh FROM customers WHERE cpf = $1 LIMIT 1`, subjectID,
	).Scan(&rate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to query tariff: %w", err)
	}
	return rate.Float64, nil
}

func (p *Postgres) GetCustomerName(ctx context.Context, subjectID string) (string, error) {
	var name sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT name FROM customers WHERE cpf = $1 LIMIT 1`, subjectID,
	).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to query customer: %w", err)
	}
	return name.String, nil
}

func (p *Postgres) GetDeviceState(ctx context.Context, deviceID string) (model.DeviceControlState, error) {
	st := model.DeviceControlState{DeviceID: deviceID, Relay: model.RelayOff}

	var relay sql.NullBool
	err := p.db.QueryRowContext(ctx,
		`SELECT relay_state FROM device_status WHERE device_id = $1`, deviceID,
	).Scan(&relay)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return st, nil
		}
		return model.DeviceControlState{}, fmt.Errorf("failed to query device_status: %w", err)
	}
	st.Relay = model.RelayFromBool(relay.Valid && relay.Bool)
	return st, nil
}

func (p *Postgres) SetDeviceState(ctx context.Context, deviceID string, relayOn bool) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO device_status (device_id, relay_state, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id) DO UPDATE
		SET relay_state = EXCLUDED.relay_state, updated_at = EXCLUDED.updated_at
	`, deviceID, relayOn, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert device_status: %w", err)
	}

	p.logger.Debug("Relay state written",
		zap.String("device_id", deviceID),
		zap.Bool("relay_on", relayOn),
	)
	return nil
}
