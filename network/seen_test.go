package network

import (
	"testing"
	"time"
)

func TestSeenCache(t *testing.T) {
	c := NewSeenCache(time.Minute, 0)

	if !c.Check([]byte("a")) {
		t.Fatal("Expected first frame to be new")
	}
	if c.Check([]byte("a")) {
		t.Error("Expected replayed frame to be rejected")
	}
	if !c.Check([]byte("b")) {
		t.Error("Expected distinct frame to be new")
	}
	if c.Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", c.Len())
	}
}

func TestSeenCacheExpiry(t *testing.T) {
	c := NewSeenCache(10*time.Millisecond, 0)
	c.Check([]byte("a"))

	time.Sleep(20 * time.Millisecond)
	if !c.Check([]byte("a")) {
		t.Error("Expected frame to be accepted again after tolerance")
	}

	time.Sleep(20 * time.Millisecond)
	c.Clean()
	if c.Len() != 0 {
		t.Errorf("Expected empty cache after Clean, got %d", c.Len())
	}
}

func TestSeenCacheLimit(t *testing.T) {
	c := NewSeenCache(time.Minute, 2)
	c.Check([]byte("a"))
	c.Check([]byte("b"))
	if !c.Check([]byte("c")) {
		t.Fatal("Expected fresh frame to be accepted when full")
	}
	if c.Len() > 2 {
		t.Errorf("Expected at most 2 entries, got %d", c.Len())
	}
}
