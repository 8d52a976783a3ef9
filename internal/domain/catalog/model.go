package catalog

import "time"

// TestDefinition describes one orderable lab test: what specimen it needs and
// which result parameters a complete entry must fill.
type TestDefinition struct {
	Code             string          `db:"code" json:"code"`
	Name             string          `db:"name" json:"name"`
	Category         string          `db:"category" json:"category"`
	SampleType       string          `db:"sample_type" json:"sample_type"`
	RequiredVolumeML float64         `db:"required_volume_ml" json:"required_volume_ml"`
	TATMinutes       int             `db:"tat_minutes" json:"tat_minutes"`
	Active           bool            `db:"active" json:"active"`
	Parameters       []TestParameter `json:"parameters"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// TestParameter is one measured value within a test panel.
type TestParameter struct {
	TestCode string   `db:"test_code" json:"test_code"`
	Code     string   `db:"code" json:"code"`
	Name     string   `db:"name" json:"name"`
	Unit     *string  `db:"unit" json:"unit,omitempty"`
	RefLow   *float64 `db:"ref_low" json:"ref_low,omitempty"`
	RefHigh  *float64 `db:"ref_high" json:"ref_high,omitempty"`
	Position int      `db:"position" json:"position"`
}

// ParameterCodes returns the codes of all parameters in panel order.
func (d *TestDefinition) ParameterCodes() []string {
	codes := make([]string, len(d.Parameters))
	for i, p := range d.Parameters {
		codes[i] = p.Code
	}
	return codes
}
