package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		name    string
		base    time.Duration
		max     time.Duration
		attempt int
		want    time.Duration
	}{
		{"first retry", time.Second, time.Minute, 1, time.Second},
		{"second retry doubles", time.Second, time.Minute, 2, 2 * time.Second},
		{"fourth retry", time.Second, time.Minute, 4, 8 * time.Second},
		{"capped", time.Second, 5 * time.Second, 10, 5 * time.Second},
		{"zero attempt treated as first", 100 * time.Millisecond, time.Second, 0, 100 * time.Millisecond},
		{"overflow capped", time.Hour, 2 * time.Hour, 200, 2 * time.Hour},
		{"no cap", time.Millisecond, 0, 3, 4 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryDelay(tt.base, tt.max, tt.attempt))
		})
	}
}
