package entitlement

import (
	"errors"
	"fmt"

	"github.com/studybuddy/backend/internal/tiers"
)

// ErrUnknownCapability is returned for a capability outside the closed set
var ErrUnknownCapability = errors.New("entitlement: unknown capability")

// Capability is a gated action
type Capability string

const (
	AICall         Capability = "ai_call"
	Voice          Capability = "voice"
	AdminTools     Capability = "admin_tools"
	DataExport     Capability = "data_export"
	LessonCreation Capability = "lesson_creation"
)

// Capabilities lists every gated action
var Capabilities = []Capability{AICall, Voice, AdminTools, DataExport, LessonCreation}

// Denial reasons
const (
	ReasonUserNotFound   = "user not found"
	ReasonAILimit        = "AI usage limit reached for your tier"
	ReasonVoice          = "Voice features require Pro or Team tier"
	ReasonAdminTools     = "Admin tools require Team tier"
	ReasonDataExport     = "Data export requires Pro or Team tier"
	ReasonLessonLimit    = "Lesson limit reached for your tier"
	ReasonAIDisabled     = "AI features are temporarily disabled"
	ReasonIngestDisabled = "Lesson creation is temporarily disabled"
)

// ParseCapability maps a wire name to a Capability
func ParseCapability(s string) (Capability, error) {
	for _, c := range Capabilities {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCapability, s)
}

// feature is the tier field that governs c
func (c Capability) feature() tiers.Feature {
	switch c {
	case AICall:
		return tiers.FeatureAICallsPerMonth
	case Voice:
		return tiers.FeatureVoice
	case AdminTools:
		return tiers.FeatureAdminTools
	case DataExport:
		return tiers.FeatureDataExport
	case LessonCreation:
		return tiers.FeatureMaxLessons
	}
	return ""
}

func (c Capability) denialReason() string {
	switch c {
	case AICall:
		return ReasonAILimit
	case Voice:
		return ReasonVoice
	case AdminTools:
		return ReasonAdminTools
	case DataExport:
		return ReasonDataExport
	case LessonCreation:
		return ReasonLessonLimit
	}
	return ""
}

// metered reports whether the capability is a quota rather than a flag
func (c Capability) metered() bool {
	return c == AICall || c == LessonCreation
}
