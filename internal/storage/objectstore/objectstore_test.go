package objectstore

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestObjectKeys(t *testing.T) {
	id := uuid.MustParse("123e4567-e89b-12d3-a456-426614174000")
	if got := DataKey(id); got != "datasets/123e4567-e89b-12d3-a456-426614174000/data.parquet" {
		t.Fatalf("data key = %q", got)
	}
	if got := TilesKey(id); got != "datasets/123e4567-e89b-12d3-a456-426614174000/tiles.pmtiles" {
		t.Fatalf("tiles key = %q", got)
	}
}

func TestClampExpiry(t *testing.T) {
	cases := []struct {
		name     string
		expiry   time.Duration
		fallback time.Duration
		want     time.Duration
	}{
		{"zero uses fallback", 0, time.Hour, time.Hour},
		{"below floor", time.Second, time.Hour, time.Minute},
		{"above ceiling", 100 * time.Hour, time.Hour, 24 * time.Hour},
		{"in range", 2 * time.Hour, time.Hour, 2 * time.Hour},
		{"zero with huge fallback", 0, 72 * time.Hour, 24 * time.Hour},
	}
	for _, tc := range cases {
		if got := clampExpiry(tc.expiry, tc.fallback); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestPublicURL(t *testing.T) {
	c := &Client{bucket: "spheraform", publicEndpoint: "https://cdn.example.com"}
	if got := c.PublicURL("datasets/x/data.parquet"); got != "https://cdn.example.com/spheraform/datasets/x/data.parquet" {
		t.Fatalf("public url = %q", got)
	}
	c.publicEndpoint = ""
	if got := c.PublicURL("k"); got != "" {
		t.Fatalf("public url without endpoint = %q", got)
	}
}
