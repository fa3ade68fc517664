package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/config"
)

func TestTableBackoff(t *testing.T) {
	policy := TableBackoff{Delays: DefaultBackoff}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 5 * time.Minute},
		{2, 15 * time.Minute},
		{3, 60 * time.Minute},
		{4, 60 * time.Minute},
		{10, 60 * time.Minute},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, policy.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestTableBackoff_EmptyUsesDefault(t *testing.T) {
	assert.Equal(t, 15*time.Minute, TableBackoff{}.Delay(2))
}

func TestExponentialBackoff(t *testing.T) {
	policy := ExponentialBackoff{Base: 5 * time.Minute, Multiplier: 3, Cap: time.Hour}

	assert.Equal(t, 5*time.Minute, policy.Delay(1))
	assert.Equal(t, 15*time.Minute, policy.Delay(2))
	assert.Equal(t, 45*time.Minute, policy.Delay(3))
	assert.Equal(t, time.Hour, policy.Delay(4))
	assert.Equal(t, time.Hour, policy.Delay(500))
	assert.Equal(t, 5*time.Minute, policy.Delay(0))
}

func TestNextRetryAt(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	policy := TableBackoff{Delays: DefaultBackoff}

	first := NextRetryAt(policy, now, 1, 3)
	if assert.NotNil(t, first) {
		assert.Equal(t, now.Add(5*time.Minute), *first)
	}

	second := NextRetryAt(policy, now, 2, 3)
	if assert.NotNil(t, second) {
		assert.Equal(t, now.Add(15*time.Minute), *second)
	}

	assert.Nil(t, NextRetryAt(policy, now, 3, 3))
	assert.Nil(t, NextRetryAt(policy, now, 4, 3))
}

func TestPolicyFromConfig(t *testing.T) {
	table := PolicyFromConfig(config.LifecycleConfig{Backoff: []time.Duration{time.Second}})
	assert.Equal(t, TableBackoff{Delays: []time.Duration{time.Second}}, table)

	exp := PolicyFromConfig(config.LifecycleConfig{
		BackoffMode:       "exponential",
		BackoffBase:       time.Minute,
		BackoffMultiplier: 2,
		BackoffCap:        10 * time.Minute,
	})
	assert.Equal(t, 4*time.Minute, exp.Delay(3))
}
