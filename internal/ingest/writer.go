package ingest

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"energy_monitor/internal/model"
)

// MeasurementsHeader is the column order written by WriteMeasurements.
var MeasurementsHeader = []string{"id", "user_cpf", "timestamp", "voltage", "current", "solar_generation", "house_consumption"}

// WriteMeasurements writes samples in the layout MeasurementsParser reads.
func WriteMeasurements(w io.Writer, samples []model.Sample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(MeasurementsHeader); err != nil {
		return err
	}

	for _, s := range samples {
		if err := cw.Write([]string{
			strconv.FormatInt(s.ID, 10),
			s.SubjectID,
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			formatFloat(s.VoltageV),
			formatFloat(s.CurrentA),
			formatFloat(s.SolarPowerW),
			formatFloat(s.ConsumptionPowerW),
		}); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
