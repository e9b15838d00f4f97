package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"energy_monitor/internal/model"
)

// RESTConfig points at a PostgREST endpoint such as
// https://<project>.supabase.co/rest/v1.
type RESTConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RetryCount int
}

// REST reads the same tables as Postgres through a PostgREST API.
type REST struct {
	client *resty.Client
	logger *zap.Logger
}

func NewREST(cfg RESTConfig, logger *zap.Logger) *REST {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("apikey", cfg.APIKey).SetAuthToken(cfg.APIKey)
	}

	return &REST{client: client, logger: logger}
}

func (r *REST) get(ctx context.Context, path string, params map[string]string, result any) error {
	resp, err := r.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(result).
		Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.IsError() {
		r.logger.Warn("PostgREST request failed",
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode()),
		)
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

func (r *REST) QuerySamples(ctx context.Context, subjectID string, q Query) ([]model.Sample, error) {
	params := map[string]string{
		"select":   "*",
		"user_cpf": "eq." + subjectID,
		"limit":    strconv.Itoa(q.limit()),
	}
	if q.Latest {
		params["order"] = "id.desc"
	} else {
		params["timestamp"] = "gte." + q.Since.UTC().Format(time.RFC3339Nano)
		params["order"] = "timestamp.asc"
		if q.Newest {
			params["order"] = "timestamp.desc"
		}
	}

	var rows []SampleRow
	if err := r.get(ctx, "/measurements", params, &rows); err != nil {
		return nil, err
	}

	samples := make([]model.Sample, 0, len(rows))
	for _, row := range rows {
		samples = append(samples, row.Sample())
	}
	if q.Latest || q.Newest {
		sort.SliceStable(samples, func(i, j int) bool {
			return samples[i].Timestamp.Before(samples[j].Timestamp)
		})
	}
	return samples, nil
}

type customerRow struct {
	Name         *string  `json:"name"`
	TariffPerKWh *Numeric `json:"tariff_per_kwh"`
}

func (r *REST) customer(ctx context.Context, subjectID string) (customerRow, error) {
	var rows []customerRow
	err := r.get(ctx, "/customers", map[string]string{
		"select": "name,tariff_per_kwh",
		"cpf":    "eq." + subjectID,
		"limit":  "1",
	}, &rows)
	if err != nil {
		return customerRow{}, err
	}
	if len(rows) == 0 {
		return customerRow{}, ErrNotFound
	}
	return rows[0], nil
}

func (r *REST) GetTariff(ctx context.Context, subjectID string) (float64, error) {
	c, err := r.customer(ctx, subjectID)
	if err != nil {
		return 0, err
	}
	if c.TariffPerKWh == nil {
		return 0, nil
	}
	return float64(*c.TariffPerKWh), nil
}

func (r *REST) GetCustomerName(ctx context.Context, subjectID string) (string, error) {
	c, err := r.customer(ctx, subjectID)
	if err != nil {
		return "", err
	}
	if c.Name == nil {
		return "", nil
	}
	return *c.Name, nil
}

func (r *REST) GetDeviceState(ctx context.Context, deviceID string) (model.DeviceControlState, error) {
	var rows []DeviceRow
	err := r.get(ctx, "/device_status", map[string]string{
		"select":    "device_id,relay_state",
		"device_id": "eq." + deviceID,
		"limit":     "1",
	}, &rows)
	if err != nil {
		return model.DeviceControlState{}, err
	}
	if len(rows) == 0 {
		return model.DeviceControlState{DeviceID: deviceID, Relay: model.RelayOff}, nil
	}
	st := rows[0].State()
	st.DeviceID = deviceID
	return st, nil
}

func (r *REST) SetDeviceState(ctx context.Context, deviceID string, relayOn bool) error {
	body := []map[string]any{{
		"device_id":   deviceID,
		"relay_state": relayOn,
		"updated_at":  time.Now().UTC().Format(time.RFC3339Nano),
	}}

	resp, err := r.client.R().
		SetContext(ctx).
		SetQueryParam("on_conflict", "device_id").
		SetHeader("Content-Type", "application/json").
		SetHeader("Prefer", "resolution=merge-duplicates,return=minimal").
		SetBody(body).
		Post("/device_status")
	if err != nil {
		return fmt.Errorf("POST /device_status: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("POST /device_status: status %d: %s", resp.StatusCode(), resp.String())
	}

	r.logger.Debug("Relay state written",
		zap.String("device_id", deviceID),
		zap.Bool("relay_on", relayOn),
	)
	return nil
}
