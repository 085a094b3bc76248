package domain

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseTaskStatus(t *testing.T) {
	st, ok := ParseTaskStatus(" in_progress ")
	assert.True(t, ok)
	assert.Equal(t, StatusInProgress, st)

	_, ok = ParseTaskStatus("DONE")
	assert.False(t, ok)
	assert.False(t, TaskStatus("").Valid())
}

func TestParseOutcome(t *testing.T) {
	o, ok := ParseOutcome("rejected")
	assert.True(t, ok)
	assert.Equal(t, StateRejected, o.State())

	o, ok = ParseOutcome("APPROVED")
	assert.True(t, ok)
	assert.Equal(t, StateApproved, o.State())

	_, ok = ParseOutcome("PENDING")
	assert.False(t, ok)
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleAdmin, ParseRole("admin"))
	assert.Equal(t, RoleViewer, ParseRole(" Viewer"))
	assert.Equal(t, Role("owner"), ParseRole(" owner "))
}

func TestFormatTimeSortsLexically(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("X", 3600))
	var got []string
	for _, d := range []time.Duration{time.Second, time.Nanosecond, 0, time.Hour} {
		got = append(got, FormatTime(base.Add(d)))
	}
	assert.Equal(t, "2024-05-01T09:00:00.000000000Z", got[2])
	sorted := append([]string(nil), got...)
	sort.Strings(sorted)
	assert.Equal(t, []string{got[2], got[1], got[0], got[3]}, sorted)
}
