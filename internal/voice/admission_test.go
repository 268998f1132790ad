package voice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTierSelection(t *testing.T) {
	cases := []struct {
		load int
		want string
	}{
		{0, "small"},
		{10, "small"},
		{11, "medium"},
		{25, "medium"},
		{26, "large"},
		{50, "large"},
		{51, "massive"},
		{100, "massive"},
		{250, "massive"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tierFor(tc.load).Name, "load %d", tc.load)
	}
}

func TestTierValues(t *testing.T) {
	small := tierFor(5)
	assert.Equal(t, 2, small.Concurrent)
	assert.Equal(t, 1000*time.Millisecond, small.Cooldown)
	assert.Equal(t, 300*time.Millisecond, small.StaggerBase)
	assert.Equal(t, 200*time.Millisecond, small.StaggerPerPeer)

	massive := tierFor(99)
	assert.Equal(t, 1, massive.Concurrent)
	assert.Equal(t, 3000*time.Millisecond, massive.Cooldown)
	assert.Equal(t, 2500*time.Millisecond, massive.StaggerBase)
	assert.Equal(t, 800*time.Millisecond, massive.StaggerPerPeer)
}

func TestAdmissionQueueDedupes(t *testing.T) {
	q := newAdmissionQueue()

	assert.True(t, q.Push("peer-1"))
	assert.False(t, q.Push("peer-1"), "a peer ID occurs at most once")
	assert.True(t, q.Push("peer-2"))
	assert.Equal(t, 2, q.Len())

	assert.Equal(t, "peer-1", q.Pop())
	assert.Equal(t, "peer-2", q.Pop())
	assert.Equal(t, "", q.Pop())

	// Once popped, the peer may be queued again.
	assert.True(t, q.Push("peer-1"))
}

func TestAdmissionQueueRemove(t *testing.T) {
	q := newAdmissionQueue()
	q.Push("peer-1")
	q.Push("peer-2")
	q.Push("peer-3")

	q.Remove("peer-2")
	assert.Equal(t, 2, q.Len())
	assert.False(t, q.Contains("peer-2"))
	assert.Equal(t, "peer-1", q.Pop())
	assert.Equal(t, "peer-3", q.Pop())
}

func TestAdmissionQueueCooldown(t *testing.T) {
	q := newAdmissionQueue()
	now := time.Unix(1000, 0)

	assert.False(t, q.OnCooldown("peer-1", now, time.Second))

	q.StampCooldown("peer-1", now)
	assert.True(t, q.OnCooldown("peer-1", now.Add(500*time.Millisecond), time.Second))
	assert.False(t, q.OnCooldown("peer-1", now.Add(1500*time.Millisecond), time.Second))
}

func TestAdmissionQueueCooldownNeverRegresses(t *testing.T) {
	q := newAdmissionQueue()
	now := time.Unix(1000, 0)

	q.StampCooldown("peer-1", now)
	q.StampCooldown("peer-1", now.Add(-10*time.Second))

	// The earlier stamp must not shorten the window.
	assert.True(t, q.OnCooldown("peer-1", now.Add(500*time.Millisecond), time.Second))
}

func TestAdmissionQueueActiveCounter(t *testing.T) {
	q := newAdmissionQueue()
	assert.Equal(t, 0, q.Active())

	q.IncActive()
	q.IncActive()
	assert.Equal(t, 2, q.Active())

	q.DecActive()
	q.DecActive()
	q.DecActive()
	assert.Equal(t, 0, q.Active(), "never below zero")
}

func TestAdmissionQueueClearKeepsCooldowns(t *testing.T) {
	q := newAdmissionQueue()
	now := time.Unix(1000, 0)
	q.Push("peer-1")
	q.StampCooldown("peer-1", now)

	q.Clear()
	assert.Equal(t, 0, q.Len())
	assert.True(t, q.OnCooldown("peer-1", now.Add(time.Millisecond), time.Second))
}
