package cache

import (
	"context"
	"testing"
)

func TestNewSelectsDriver(t *testing.T) {
	testCases := []struct {
		name      string
		opts      Options
		shouldErr bool
	}{
		{"fs", Options{Driver: "fs", Path: t.TempDir()}, false},
		{"fs default", Options{Path: t.TempDir(), MemoryTierBytes: 1 << 20}, false},
		{"memory", Options{Driver: "memory"}, false},
		{"fs without path", Options{Driver: "fs"}, true},
		{"unknown", Options{Driver: "bolt"}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			storage, err := New(tc.opts)
			if tc.shouldErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer storage.Close()
			if _, err := storage.Open(context.Background(), "v1"); err != nil {
				t.Fatalf("open error: %v", err)
			}
		})
	}
}

func TestWithMemoryTierDisabledReturnsBase(t *testing.T) {
	base := NewMemoryStorage()
	storage, err := WithMemoryTier(base, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if storage != base {
		t.Fatalf("zero budget should return base storage")
	}
}
