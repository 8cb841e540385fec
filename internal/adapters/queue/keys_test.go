package queue

import (
	"strings"
	"testing"
	"time"

	"github.com/eleven-am/weft/internal/domain"
)

func TestGenerateStatusKey(t *testing.T) {
	tests := []struct {
		name      string
		status    domain.JobStatus
		timestamp time.Time
		id        string
		want      string
	}{
		{
			name:      "waiting key",
			status:    domain.JobStatusWaiting,
			timestamp: time.Unix(0, 1234567890123456789),
			id:        "job-1",
			want:      "job:status:waiting:1234567890123456789:job-1",
		},
		{
			name:      "zero timestamp",
			status:    domain.JobStatusDelayed,
			timestamp: time.Unix(0, 0),
			id:        "job-2",
			want:      "job:status:delayed:0000000000000000000:job-2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := generateStatusKey(tt.status, tt.timestamp, tt.id)
			if got != tt.want {
				t.Errorf("generateStatusKey() = %v, want %v", got, tt.want)
			}
			if !strings.HasPrefix(got, getStatusPrefix(tt.status)) {
				t.Errorf("key %s does not start with its status prefix", got)
			}
		})
	}
}

func TestParseIndexKey(t *testing.T) {
	stamp := time.Unix(0, 1700000000000000000)

	tests := []struct {
		name    string
		key     string
		wantID  string
		wantErr bool
	}{
		{name: "status key", key: generateStatusKey(domain.JobStatusWaiting, stamp, "abc"), wantID: "abc"},
		{name: "owner with separator", key: generateOwnerKey("tenant:42", stamp, "def"), wantID: "def"},
		{name: "wrong prefix", key: "queue:status:waiting:1700000000000000000:abc", wantErr: true},
		{name: "short timestamp", key: "job:status:waiting:17:abc", wantErr: true},
		{name: "too few parts", key: "job:item:abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, id, err := parseIndexKey(tt.key)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %s", tt.key)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id != tt.wantID {
				t.Errorf("id = %s, want %s", id, tt.wantID)
			}
			if !ts.Equal(stamp) {
				t.Errorf("timestamp = %v, want %v", ts, stamp)
			}
		})
	}
}

func TestRedisKeys(t *testing.T) {
	if got := redisJobKey("weft", "j1"); got != "weft:job:j1" {
		t.Errorf("redisJobKey() = %s", got)
	}
	if got := redisOwnerKey("weft", "alice"); got != "weft:owner:alice" {
		t.Errorf("redisOwnerKey() = %s", got)
	}
	if got := redisStatusKey("weft", domain.JobStatusFailed); got != "weft:status:failed" {
		t.Errorf("redisStatusKey() = %s", got)
	}
}
