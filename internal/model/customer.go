package model

// Customer is the subject record holding the display name and tariff.
type Customer struct {
	SubjectID    string  `json:"cpf"`
	Name         string  `json:"name"`
	TariffPerKWh float64 `json:"tariff_per_kwh"`
}
