// Package cyclelog persists one record per control cycle to CSV and to the
// run database.
package cyclelog

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/pedal.guard/internal/db"
	"github.com/banshee-data/pedal.guard/internal/fusion"
)

// Header is the CSV column order.
var Header = []string{
	"distance_cm",
	"ttc",
	"relative_velocity_avg",
	"voltage",
	"raw_percent",
	"commanded_percent",
	"delta_raw",
	"scenario_id",
	"accel_flag",
	"brake_flag",
	"misoperation_flag",
}

// Record is one logged control cycle.
type Record struct {
	RunID     string
	Timestamp time.Time
	// DistanceCM is nil when the range read timed out.
	DistanceCM       *float64
	TTC              float64
	VelocityAvg      float64
	VelocityMin      float64
	VelocityMax      float64
	Voltage          float64
	RawPercent       float64
	CommandedPercent float64
	Delta            float64
	Cap              float64
	ScenarioID       int
	Accel            bool
	Brake            bool
	Misoperation     bool
	Lockout          bool
}

// FromCycle builds the record for one controller step.
func FromCycle(runID string, scenarioID int, out fusion.CycleOutput) Record {
	r := Record{
		RunID:            runID,
		Timestamp:        out.Now,
		TTC:              out.TTC,
		VelocityAvg:      out.VelocityAvg,
		VelocityMin:      out.VelocityMin,
		VelocityMax:      out.VelocityMax,
		Voltage:          out.Voltage,
		RawPercent:       out.RawPercent,
		CommandedPercent: out.CommandedPercent,
		Delta:            out.Delta,
		Cap:              out.Cap,
		ScenarioID:       scenarioID,
		Accel:            out.AccelDetected,
		Brake:            out.BrakeDetected,
		Misoperation:     out.Misoperation,
		Lockout:          out.Lockout == fusion.Active,
	}
	if out.DistanceOK {
		d := out.DistanceCM
		r.DistanceCM = &d
	}
	return r
}

// CSVRow renders r in Header order. A missing distance is an empty field
// and an infinite TTC is "inf".
func (r Record) CSVRow() []string {
	dist := ""
	if r.DistanceCM != nil {
		dist = formatFloat(*r.DistanceCM)
	}
	return []string{
		dist,
		formatFloat(r.TTC),
		formatFloat(r.VelocityAvg),
		formatFloat(r.Voltage),
		formatFloat(r.RawPercent),
		formatFloat(r.CommandedPercent),
		formatFloat(r.Delta),
		strconv.Itoa(r.ScenarioID),
		formatFlag(r.Accel),
		formatFlag(r.Brake),
		formatFlag(r.Misoperation),
	}
}

// ParseCSVRow is the inverse of CSVRow. Fields not in the CSV layout are
// left zero.
func ParseCSVRow(row []string) (Record, error) {
	if len(row) != len(Header) {
		return Record{}, fmt.Errorf("expected %d fields, got %d", len(Header), len(row))
	}
	var r Record
	var err error
	if row[0] != "" {
		d, err := parseFloat(row[0])
		if err != nil {
			return Record{}, fmt.Errorf("%s: %w", Header[0], err)
		}
		r.DistanceCM = &d
	}
	floats := []*float64{&r.TTC, &r.VelocityAvg, &r.Voltage, &r.RawPercent, &r.CommandedPercent, &r.Delta}
	for i, dst := range floats {
		if *dst, err = parseFloat(row[i+1]); err != nil {
			return Record{}, fmt.Errorf("%s: %w", Header[i+1], err)
		}
	}
	if r.ScenarioID, err = strconv.Atoi(strings.TrimSpace(row[7])); err != nil {
		return Record{}, fmt.Errorf("%s: %w", Header[7], err)
	}
	flags := []*bool{&r.Accel, &r.Brake, &r.Misoperation}
	for i, dst := range flags {
		if *dst, err = parseFlag(row[i+8]); err != nil {
			return Record{}, fmt.Errorf("%s: %w", Header[i+8], err)
		}
	}
	return r, nil
}

// Cycle converts r to its database row.
func (r Record) Cycle() db.Cycle {
	return db.Cycle{
		RunID:            r.RunID,
		Timestamp:        r.Timestamp,
		DistanceCM:       r.DistanceCM,
		TTC:              r.TTC,
		VelocityAvg:      r.VelocityAvg,
		VelocityMin:      r.VelocityMin,
		VelocityMax:      r.VelocityMax,
		Voltage:          r.Voltage,
		RawPercent:       r.RawPercent,
		CommandedPercent: r.CommandedPercent,
		Delta:            r.Delta,
		Cap:              r.Cap,
		ScenarioID:       r.ScenarioID,
		Accel:            r.Accel,
		Brake:            r.Brake,
		Misoperation:     r.Misoperation,
		Lockout:          r.Lockout,
	}
}

// FromDBCycle converts a stored row back to a Record.
func FromDBCycle(c db.Cycle) Record {
	return Record{
		RunID:            c.RunID,
		Timestamp:        c.Timestamp,
		DistanceCM:       c.DistanceCM,
		TTC:              c.TTC,
		VelocityAvg:      c.VelocityAvg,
		VelocityMin:      c.VelocityMin,
		VelocityMax:      c.VelocityMax,
		Voltage:          c.Voltage,
		RawPercent:       c.RawPercent,
		CommandedPercent: c.CommandedPercent,
		Delta:            c.Delta,
		Cap:              c.Cap,
		ScenarioID:       c.ScenarioID,
		Accel:            c.Accel,
		Brake:            c.Brake,
		Misoperation:     c.Misoperation,
		Lockout:          c.Lockout,
	}
}

func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsNaN(v):
		return "nan"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func formatFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseFlag(s string) (bool, error) {
	switch strings.TrimSpace(s) {
	case "0", "", "false":
		return false, nil
	case "1", "true":
		return true, nil
	}
	return false, fmt.Errorf("invalid flag %q", s)
}
