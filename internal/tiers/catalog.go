// Package tiers is the fixed catalog of subscription tiers and their
// feature and quota limits.
package tiers

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownTier is returned for a tier name outside the fixed set
var ErrUnknownTier = errors.New("tiers: unknown tier")

// ErrUnknownFeature is returned for a feature key outside the closed set
var ErrUnknownFeature = errors.New("tiers: unknown feature")

// Name identifies a tier
type Name string

const (
	Starter Name = "starter"
	Pro     Name = "pro"
	Team    Name = "team"
)

// Default is assigned to accounts without a paid subscription
const Default = Starter

// Unlimited is the quota sentinel meaning "no limit"
const Unlimited = -1

// IsUnlimited reports whether a quota value is the unlimited sentinel
func IsUnlimited(v int) bool { return v == Unlimited }

// Feature is a closed set of tier fields
type Feature string

const (
	FeatureAICallsPerMonth Feature = "ai_calls_per_month"
	FeatureVoice           Feature = "voice_enabled"
	FeatureAdminTools      Feature = "admin_tools_enabled"
	FeatureDataExport      Feature = "data_export_enabled"
	FeatureMaxLessons      Feature = "max_lessons"
	FeaturePrioritySupport Feature = "priority_support"
)

// Features lists every feature key
var Features = []Feature{
	FeatureAICallsPerMonth,
	FeatureVoice,
	FeatureAdminTools,
	FeatureDataExport,
	FeatureMaxLessons,
	FeaturePrioritySupport,
}

// Definition is one tier's price and limits. MonthlyPrice is in cents.
type Definition struct {
	Name              Name  `json:"name"`
	MonthlyPrice      int64 `json:"monthly_price"`
	AICallsPerMonth   int   `json:"ai_calls_per_month"`
	VoiceEnabled      bool  `json:"voice_enabled"`
	AdminToolsEnabled bool  `json:"admin_tools_enabled"`
	DataExportEnabled bool  `json:"data_export_enabled"`
	MaxLessons        int   `json:"max_lessons"`
	PrioritySupport   bool  `json:"priority_support"`
}

func boolValue(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Value returns a feature's value. Flags are reported as 0 or 1.
func (d Definition) Value(f Feature) (int, error) {
	switch f {
	case FeatureAICallsPerMonth:
		return d.AICallsPerMonth, nil
	case FeatureVoice:
		return boolValue(d.VoiceEnabled), nil
	case FeatureAdminTools:
		return boolValue(d.AdminToolsEnabled), nil
	case FeatureDataExport:
		return boolValue(d.DataExportEnabled), nil
	case FeatureMaxLessons:
		return d.MaxLessons, nil
	case FeaturePrioritySupport:
		return boolValue(d.PrioritySupport), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFeature, f)
}

var standard = []Definition{
	{
		Name:            Starter,
		MonthlyPrice:    2000,
		AICallsPerMonth: 100,
		MaxLessons:      10,
	},
	{
		Name:              Pro,
		MonthlyPrice:      3900,
		AICallsPerMonth:   500,
		VoiceEnabled:      true,
		DataExportEnabled: true,
		MaxLessons:        50,
		PrioritySupport:   true,
	},
	{
		Name:              Team,
		MonthlyPrice:      7900,
		AICallsPerMonth:   2000,
		VoiceEnabled:      true,
		AdminToolsEnabled: true,
		DataExportEnabled: true,
		MaxLessons:        Unlimited,
		PrioritySupport:   true,
	},
}

// Catalog is an immutable tier table ordered by price
type Catalog struct {
	byName map[Name]Definition
	order  []Definition
}

// NewCatalog builds a catalog from definitions
func NewCatalog(defs []Definition) *Catalog {
	c := &Catalog{byName: make(map[Name]Definition, len(defs))}
	for _, d := range defs {
		c.byName[d.Name] = d
		c.order = append(c.order, d)
	}
	sort.SliceStable(c.order, func(i, j int) bool {
		return c.order[i].MonthlyPrice < c.order[j].MonthlyPrice
	})
	return c
}

// Standard returns the production catalog
func Standard() *Catalog {
	return NewCatalog(standard)
}

// Get returns a tier definition. An empty name resolves to the default tier.
func (c *Catalog) Get(name Name) (Definition, error) {
	if name == "" {
		name = Default
	}
	d, ok := c.byName[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownTier, name)
	}
	return d, nil
}

// LimitFor returns one feature value of a tier
func (c *Catalog) LimitFor(name Name, f Feature) (int, error) {
	d, err := c.Get(name)
	if err != nil {
		return 0, err
	}
	return d.Value(f)
}

// Tiers returns all definitions, cheapest first
func (c *Catalog) Tiers() []Definition {
	out := make([]Definition, len(c.order))
	copy(out, c.order)
	return out
}
