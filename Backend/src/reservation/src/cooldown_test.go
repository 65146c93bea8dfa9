package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCooldownStages(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := NewCooldownPolicy([]time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute})

	cases := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"first attempt", 1, time.Minute},
		{"second attempt", 2, 5 * time.Minute},
		{"third attempt", 3, 30 * time.Minute},
		{"beyond table stays capped", 4, 30 * time.Minute},
		{"way beyond table", 99, 30 * time.Minute},
		{"zero clamps to first", 0, time.Minute},
		{"negative clamps to first", -3, time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, now.Add(tc.want), p.Until(now, tc.attempt))
		})
	}
}

func TestCooldownFlatWindow(t *testing.T) {
	now := time.Now()
	p := NewCooldownPolicy([]time.Duration{10 * time.Minute})

	assert.Equal(t, now.Add(10*time.Minute), p.Until(now, 1))
	assert.Equal(t, now.Add(10*time.Minute), p.Until(now, 7))
}

func TestCooldownEmptyStagesDefault(t *testing.T) {
	now := time.Now()
	p := NewCooldownPolicy(nil)

	assert.Equal(t, now.Add(10*time.Minute), p.Until(now, 1))
}
