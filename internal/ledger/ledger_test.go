package ledger

import (
	"path/filepath"
	"testing"

	"github.com/labctl/labctl/internal/catalog"
)

func TestLedger_AppendAndRecentCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if err := l.Append("lab1", "f1", "ON", "rules"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append("lab1", "f1", "OFF", "manual"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append("lab2", "h1", "ON", "rules"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	records, err := l.RecentCommands("lab1", 10)
	if err != nil {
		t.Fatalf("RecentCommands: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Action != "OFF" || records[0].Source != "manual" {
		t.Errorf("expected most recent record first, got %+v", records[0])
	}
	for _, r := range records {
		if r.LabID != catalog.LabID("lab1") {
			t.Errorf("unexpected lab_id in result: %+v", r)
		}
	}
}

func TestLedger_RecentCommandsRespectsLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	for i := 0; i < 5; i++ {
		if err := l.Append("lab1", "f1", "ON", "rules"); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	records, err := l.RecentCommands("lab1", 2)
	if err != nil {
		t.Fatalf("RecentCommands: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
}
