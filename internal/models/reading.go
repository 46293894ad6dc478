// Package models defines the domain value types shared by every layer of the
// bridge: the decoded blood-pressure reading, its WHO/ESC category, and the
// content-addressed fingerprint used by the ledger.
package models

import (
	"fmt"
	"time"
)

// Reading is an immutable decoded blood-pressure measurement pulled from one
// user slot on the device. All fields are set once at decode time.
type Reading struct {
	// Timestamp is the device's local civil time at which the measurement was
	// taken (year 2000-2063, per the device's 1-byte year-offset encoding).
	Timestamp time.Time

	// Systolic and Diastolic are integer mmHg. Pulse is integer bpm.
	Systolic  int
	Diastolic int
	Pulse     int

	// IrregularHeartbeat and BodyMovement are device-reported flags recorded
	// alongside the measurement.
	IrregularHeartbeat bool
	BodyMovement       bool

	// UserSlot is 1-indexed (1..N, N=2 for the reference HEM-7361T model).
	UserSlot int
}

// Category classifies a reading per the WHO/ESC blood pressure thresholds.
type Category string

const (
	CategoryOptimal            Category = "optimal"
	CategoryNormal              Category = "normal"
	CategoryHighNormal         Category = "high_normal"
	CategoryGrade1Hypertension Category = "grade1_hypertension"
	CategoryGrade2Hypertension Category = "grade2_hypertension"
	CategoryGrade3Hypertension Category = "grade3_hypertension"
)

// Category evaluates the WHO/ESC classification rules in order, returning on
// the first satisfied rule. An isolated high systolic or diastolic value
// raises the classification even if the other value is low — the rules are
// deliberately short-circuit, not independent per-value lookups.
func (r Reading) Category() Category {
	switch {
	case r.Systolic < 120 && r.Diastolic < 80:
		return CategoryOptimal
	case r.Systolic < 130 && r.Diastolic < 85:
		return CategoryNormal
	case r.Systolic < 140 && r.Diastolic < 90:
		return CategoryHighNormal
	case r.Systolic < 160 && r.Diastolic < 100:
		return CategoryGrade1Hypertension
	case r.Systolic < 180 && r.Diastolic < 110:
		return CategoryGrade2Hypertension
	default:
		return CategoryGrade3Hypertension
	}
}

// Fingerprint returns the deterministic textual identity used as the
// ledger's primary key: ISO-8601 timestamp, systolic, diastolic, pulse, and
// user slot joined with "_". Two readings with the same fingerprint are
// considered the same event; the fingerprint depends on UserSlot, so
// identical values recorded under different user slots are distinct.
func (r Reading) Fingerprint() string {
	return fmt.Sprintf("%s_%d_%d_%d_%d",
		r.Timestamp.Format(time.RFC3339),
		r.Systolic, r.Diastolic, r.Pulse, r.UserSlot)
}

// String renders a reading for logs and the audit trail.
func (r Reading) String() string {
	flags := ""
	if r.IrregularHeartbeat {
		flags += " ihb"
	}
	if r.BodyMovement {
		flags += " mov"
	}
	return fmt.Sprintf("%s %d/%d mmHg, pulse %d bpm (slot %d, %s)%s",
		r.Timestamp.Format(time.RFC3339), r.Systolic, r.Diastolic, r.Pulse,
		r.UserSlot, r.Category(), flags)
}
