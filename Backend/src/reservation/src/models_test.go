package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDisplayStatus(t *testing.T) {
	cases := []struct {
		name  string
		title Title
		want  string
	}{
		{"free copies win", Title{TotalCopies: 3, AvailableCount: 1, LostCount: 2}, "AVAILABLE"},
		{"lost beats borrowed", Title{TotalCopies: 2, BorrowedCount: 1, LostCount: 1}, "LOST"},
		{"borrowed beats reserved", Title{TotalCopies: 2, ReservedCount: 1, BorrowedCount: 1}, "BORROWED"},
		{"reserved only", Title{TotalCopies: 1, ReservedCount: 1}, "RESERVED"},
		{"no copies at all", Title{}, "UNAVAILABLE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.title.DisplayStatus())
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(StatusReserved))
	assert.False(t, IsTerminal(StatusApproved))
	for _, st := range []int32{StatusCompleted, StatusDeclined, StatusCancelled, StatusExpired, StatusLost} {
		assert.True(t, IsTerminal(st), StatusName(st))
	}
}

func TestCooldownActiveErrorRemaining(t *testing.T) {
	now := time.Now()
	err := &CooldownActiveError{Until: now.Add(90 * time.Second)}

	assert.Equal(t, 90*time.Second, err.Remaining(now))
	assert.Equal(t, time.Duration(0), err.Remaining(now.Add(2*time.Minute)))
	assert.Contains(t, err.Error(), "cooldown active until")
}
