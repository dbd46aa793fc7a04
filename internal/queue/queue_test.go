package queue

import (
	"reflect"
	"testing"
	"time"
)

func TestMergeSubjects(t *testing.T) {
	cases := []struct {
		name        string
		existing    []string
		desired     []string
		want        []string
		wantChanged bool
	}{
		{
			name:        "adds missing subject",
			existing:    []string{"forest.other"},
			desired:     []string{SubjectTasks},
			want:        []string{"forest.other", SubjectTasks},
			wantChanged: true,
		},
		{
			name:        "already present",
			existing:    []string{SubjectTasks},
			desired:     []string{SubjectTasks},
			want:        []string{SubjectTasks},
			wantChanged: false,
		},
		{
			name:        "dedupes existing",
			existing:    []string{SubjectTasks, SubjectTasks},
			desired:     []string{SubjectTasks},
			want:        []string{SubjectTasks},
			wantChanged: false,
		},
		{
			name:        "empty existing",
			existing:    nil,
			desired:     []string{SubjectTasks},
			want:        []string{SubjectTasks},
			wantChanged: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, changed := mergeSubjects(tc.existing, tc.desired)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("subjects = %v, want %v", got, tc.want)
			}
			if changed != tc.wantChanged {
				t.Fatalf("changed = %v, want %v", changed, tc.wantChanged)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.AckWait != 30*time.Minute {
		t.Fatalf("ack wait must default above the pipeline bound, got %v", cfg.AckWait)
	}
	if cfg.MaxDeliver != 5 {
		t.Fatalf("expected max deliver 5, got %d", cfg.MaxDeliver)
	}

	explicit := Config{AckWait: time.Hour, MaxDeliver: 2}.withDefaults()
	if explicit.AckWait != time.Hour || explicit.MaxDeliver != 2 {
		t.Fatalf("explicit values must survive defaulting, got %+v", explicit)
	}
}

func TestTaskMessageExpired(t *testing.T) {
	now := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)

	if (TaskMessage{}).Expired(now) {
		t.Fatalf("zero expiry must never expire")
	}
	if (TaskMessage{ExpiresAt: now.Add(time.Minute)}).Expired(now) {
		t.Fatalf("future expiry must not be expired")
	}
	if !(TaskMessage{ExpiresAt: now.Add(-time.Second)}).Expired(now) {
		t.Fatalf("past expiry must be expired")
	}
	if (TaskMessage{ExpiresAt: now}).Expired(now) {
		t.Fatalf("expiry boundary counts as still valid")
	}
}
