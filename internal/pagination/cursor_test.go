package pagination

import (
	"testing"
	"time"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 30, 0, 123456789, time.UTC)
	token := Encode(at, "txn_abc123")

	c, err := Decode(token)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !c.CreatedAt.Equal(at) {
		t.Errorf("Expected %v, got %v", at, c.CreatedAt)
	}
	if c.ID != "txn_abc123" {
		t.Errorf("Expected txn_abc123, got %s", c.ID)
	}
}

func TestDecodeEmptyIsFirstPage(t *testing.T) {
	c, err := Decode("")
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if c != nil {
		t.Errorf("Expected nil cursor for empty token, got %+v", c)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, token := range []string{"not base64!", "bm9waXBl", "MTIzNA=="} {
		if _, err := Decode(token); err == nil {
			t.Errorf("Expected error decoding %q", token)
		}
	}
}

func TestComputePage(t *testing.T) {
	type row struct {
		id string
		at time.Time
	}
	key := func(r row) (time.Time, string) { return r.at, r.id }
	base := time.Now()
	rows := []row{
		{"a", base},
		{"b", base.Add(-time.Minute)},
		{"c", base.Add(-2 * time.Minute)},
	}

	// Fetched limit+1 rows: trim and produce a cursor.
	page, next, more := ComputePage(rows, 2, key)
	if len(page) != 2 || !more || next == "" {
		t.Fatalf("Expected 2 rows with cursor, got %d rows more=%v next=%q", len(page), more, next)
	}
	c, err := Decode(next)
	if err != nil {
		t.Fatalf("Decode next cursor: %v", err)
	}
	if c.ID != "b" {
		t.Errorf("Expected cursor at row b, got %s", c.ID)
	}

	// At or under the limit: no cursor.
	page, next, more = ComputePage(rows, 3, key)
	if len(page) != 3 || more || next != "" {
		t.Errorf("Expected full page without cursor, got %d rows more=%v", len(page), more)
	}
}
