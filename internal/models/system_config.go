package models

import "time"

// SystemConfigID is the key of the single system configuration record
const SystemConfigID = "global"

// AI tones
const (
	ToneFriendly = "friendly"
	ToneStrict   = "strict"
	ToneConcise  = "concise"
)

// TierOverride force-sets individual tier features. Nil fields keep the
// catalog value.
type TierOverride struct {
	AICallsPerMonth   *int  `json:"ai_calls_per_month,omitempty" validate:"omitempty,gte=0"`
	VoiceEnabled      *bool `json:"voice_enabled,omitempty"`
	AdminToolsEnabled *bool `json:"admin_tools_enabled,omitempty"`
	DataExportEnabled *bool `json:"data_export_enabled,omitempty"`
	MaxLessons        *int  `json:"max_lessons,omitempty" validate:"omitempty,gte=-1"`
	PrioritySupport   *bool `json:"priority_support,omitempty"`
}

// SystemConfig holds operator kill switches and tier overrides.
type SystemConfig struct {
	ID                  string                  `gorm:"type:varchar(32);primaryKey" json:"-"`
	AIEnabled           bool                    `gorm:"not null" json:"ai_enabled"`
	BillingEnabled      bool                    `gorm:"not null" json:"billing_enabled"`
	IngestEnabled       bool                    `gorm:"not null" json:"ingest_enabled"`
	AITone              string                  `gorm:"type:varchar(16);not null" json:"ai_tone" validate:"oneof=friendly strict concise"`
	ExplainWrongAnswers bool                    `gorm:"not null" json:"explain_wrong_answers"`
	TierOverrides       map[string]TierOverride `gorm:"type:text;serializer:json" json:"tier_overrides,omitempty" validate:"omitempty,dive,keys,oneof=starter pro team,endkeys"`
	UpdatedBy           string                  `gorm:"type:varchar(128)" json:"updated_by,omitempty"`
	UpdatedAt           time.Time               `json:"updated_at"`
}

// DefaultSystemConfig is served when no record exists or the store is unreachable.
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		ID:                  SystemConfigID,
		AIEnabled:           true,
		BillingEnabled:      true,
		IngestEnabled:       true,
		AITone:              ToneFriendly,
		ExplainWrongAnswers: true,
	}
}
