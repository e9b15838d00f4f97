package model

// EnergyAggregate is the derived energy summary of one period. It is
// recomputed whenever its backing samples change and never persisted here.
type EnergyAggregate struct {
	PeriodKey     string  `json:"period_key"`
	GeneratedKWh  float64 `json:"generated_kwh"`
	ConsumedKWh   float64 `json:"consumed_kwh"`
	BalanceKWh    float64 `json:"balance_kwh"`
	TariffPerKWh  float64 `json:"tariff_per_kwh"`
	SavedCurrency float64 `json:"saved_currency"`
	PeakSolarW    float64 `json:"peak_solar_w"`
	Samples       int     `json:"samples"`
}

// TariffRate is the price per kWh used for a subject. Fallback is set when
// the configured default replaced a missing or invalid rate.
type TariffRate struct {
	SubjectID  string  `json:"subject_id"`
	RatePerKWh float64 `json:"rate_per_kwh"`
	Fallback   bool    `json:"fallback"`
}
