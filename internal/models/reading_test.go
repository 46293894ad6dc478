package models_test

import (
	"testing"
	"time"

	"github.com/jzubielik/omron-bridge/internal/models"
)

func reading(sys, dia int) models.Reading {
	return models.Reading{
		Timestamp: time.Date(2025, 12, 26, 22, 59, 22, 0, time.UTC),
		Systolic:  sys,
		Diastolic: dia,
		Pulse:     73,
		UserSlot:  1,
	}
}

// S6 — category classification total, in rule order.
func TestCategoryClassification(t *testing.T) {
	cases := []struct {
		sys, dia int
		want     models.Category
	}{
		{110, 70, models.CategoryOptimal},
		{120, 80, models.CategoryNormal},
		{130, 85, models.CategoryHighNormal},
		{140, 90, models.CategoryGrade1Hypertension},
		{160, 100, models.CategoryGrade2Hypertension},
		{180, 110, models.CategoryGrade3Hypertension},
		{180, 70, models.CategoryGrade3Hypertension}, // isolated systolic rule
	}
	for _, c := range cases {
		got := reading(c.sys, c.dia).Category()
		if got != c.want {
			t.Errorf("Category(%d,%d) = %q, want %q", c.sys, c.dia, got, c.want)
		}
	}
}

// Invariant 3 — fingerprint determinism.
func TestFingerprintDeterminism(t *testing.T) {
	a := reading(139, 83)
	b := reading(139, 83)
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("identical readings produced different fingerprints: %q vs %q", a.Fingerprint(), b.Fingerprint())
	}

	variants := []models.Reading{
		reading(140, 83),
		reading(139, 84),
		func() models.Reading { r := reading(139, 83); r.Pulse = 74; return r }(),
		func() models.Reading { r := reading(139, 83); r.UserSlot = 2; return r }(),
		func() models.Reading { r := reading(139, 83); r.Timestamp = r.Timestamp.Add(time.Second); return r }(),
	}
	for _, v := range variants {
		if v.Fingerprint() == a.Fingerprint() {
			t.Errorf("expected distinct fingerprint, got collision: %q", v.Fingerprint())
		}
	}
}

func TestFingerprintUserSlotDistinguishes(t *testing.T) {
	a := reading(139, 83)
	a.UserSlot = 1
	b := reading(139, 83)
	b.UserSlot = 2
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("readings under different user slots must not share a fingerprint")
	}
}
