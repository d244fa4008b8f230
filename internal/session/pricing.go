package session

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownModel is returned for a pricing model outside the preset table.
var ErrUnknownModel = errors.New("session: unknown pricing model")

// Pricing model names.
const (
	ModelTime   = "time"
	ModelData   = "data"
	ModelHybrid = "hybrid"
)

const (
	maxMinutes   = 1440  // 24h
	maxMegabytes = 10240 // 10 GiB
	megabyte     = int64(1024 * 1024)

	// Data cap for time-priced sessions scales with the premium the time
	// model charges over hybrid's time rate, bounded at 500 MB.
	timeModelDataCapMB = 500
)

// Preset is one row of the pricing table.
type Preset struct {
	PerMinute  float64 `json:"per_minute"`
	PerMB      float64 `json:"per_mb"`
	MinMinutes float64 `json:"min_minutes,omitempty"`
	MinMB      float64 `json:"min_mb,omitempty"`
}

// Presets is the published pricing table, keyed by model.
var Presets = map[string]Preset{
	ModelTime:   {PerMinute: 0.001, PerMB: 0, MinMinutes: 1},
	ModelData:   {PerMinute: 0, PerMB: 0.00012, MinMB: 10},
	ModelHybrid: {PerMinute: 0.0005, PerMB: 0.0001, MinMinutes: 1, MinMB: 10},
}

// Limits is the enforced budget for one session.
type Limits struct {
	TimeLimit time.Duration `json:"-"`
	DataLimit int64         `json:"-"` // bytes
}

// MarshalJSONFields exposes the limits in the units the client sees.
func (l Limits) Fields() map[string]any {
	return map[string]any{
		"time_limit_s":  int64(l.TimeLimit.Seconds()),
		"data_limit_mb": l.DataLimit / megabyte,
	}
}

// Quote is the priced outcome of a session request.
type Quote struct {
	Model     string
	Minutes   float64
	Megabytes float64
	Price     string // decimal string in facilitator units
	Limits    Limits
}

// CalculateCost prices a session request and derives its enforcement limits.
// Requested quantities are floored at the model minimums before pricing.
func CalculateCost(model string, minutes, megabytes float64) (Quote, error) {
	preset, ok := Presets[model]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}

	if minutes < preset.MinMinutes {
		minutes = preset.MinMinutes
	}
	if megabytes < preset.MinMB {
		megabytes = preset.MinMB
	}
	if minutes > maxMinutes {
		minutes = maxMinutes
	}
	if megabytes > maxMegabytes {
		megabytes = maxMegabytes
	}

	cost := minutes*preset.PerMinute + megabytes*preset.PerMB

	q := Quote{
		Model:     model,
		Minutes:   minutes,
		Megabytes: megabytes,
		Price:     fmt.Sprintf("%.6f", cost),
	}

	switch model {
	case ModelTime:
		q.Limits.TimeLimit = time.Duration(minutes * float64(time.Minute))
		// Time buyers get a data allowance proportional to the premium the
		// time rate charges over hybrid's, never above the flat cap.
		premium := preset.PerMinute / Presets[ModelHybrid].PerMinute
		capMB := int64(minutes * premium)
		if capMB > timeModelDataCapMB || capMB <= 0 {
			capMB = timeModelDataCapMB
		}
		q.Limits.DataLimit = capMB * megabyte
	case ModelData:
		q.Limits.DataLimit = int64(megabytes) * megabyte
		q.Limits.TimeLimit = 24 * time.Hour
	case ModelHybrid:
		q.Limits.TimeLimit = time.Duration(minutes * float64(time.Minute))
		q.Limits.DataLimit = int64(megabytes) * megabyte
	}

	return q, nil
}
