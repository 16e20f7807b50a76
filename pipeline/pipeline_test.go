package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/text/encoding/unicode"

	"heartfailure/ml"
)

const sample = "age,ejection_fraction,serum_sodium,serum_creatinine,time,DEATH_EVENT\n" +
	"75,20,130,1.9,4,1\n" +
	"55,38,136,1.1,6,0\n"

func TestReadCSV(t *testing.T) {
	rows, err := ReadCSV(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0]["serum_creatinine"] != "1.9" || rows[1]["DEATH_EVENT"] != "0" {
		t.Fatalf("unexpected rows: %v", rows)
	}
}

func TestReadCSVStripsByteOrderMark(t *testing.T) {
	utf16, err := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder().String(sample)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	inputs := map[string]string{
		"utf-8":    "\ufeff" + sample,
		"utf-16le": utf16,
	}
	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			rows, err := ReadCSV(strings.NewReader(input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if _, ok := rows[0]["age"]; !ok {
				t.Fatalf("first column lost to BOM: %v", rows[0])
			}
		})
	}
}

func TestReadCSVErrors(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		column string
		row    int
	}{
		{name: "empty", input: ""},
		{name: "blank header", input: "age,,time\n1,2,3\n"},
		{name: "duplicate header", input: "age,time,age\n1,2,3\n", column: "age"},
		{name: "ragged row", input: "age,time\n1,2\n3\n", row: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(tt.input))
			var dataErr *ml.DataError
			if !errors.As(err, &dataErr) {
				t.Fatalf("expected DataError, got %v", err)
			}
			if dataErr.Column != tt.column || dataErr.Row != tt.row {
				t.Fatalf("unexpected error location: %+v", dataErr)
			}
		})
	}
}

func TestLoadCSVMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.csv")
	_, err := LoadCSV(path)
	var ioErr *ml.IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected IOError, got %v", err)
	}
	if ioErr.Path != path || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("unexpected error: %+v", ioErr)
	}
}

func TestQualityAuditReportsWithoutChangingRows(t *testing.T) {
	rows := []ml.Row{
		{"age": "60", "ejection_fraction": "35", "serum_sodium": "137", "serum_creatinine": "1.2", "time": "100"},
		{"age": "250", "ejection_fraction": "110", "serum_sodium": "137", "serum_creatinine": "1.2", "time": "100"},
		{"age": "abc", "ejection_fraction": "35", "serum_sodium": "137", "time": "-3"},
	}

	auditor := NewQualityAuditor()
	issues := auditor.Audit(rows)
	if len(issues) != 3 {
		t.Fatalf("expected 3 issues, got %+v", issues)
	}
	if issues[0].Row != 2 || issues[0].Rule != "range_age" {
		t.Fatalf("unexpected first issue: %+v", issues[0])
	}
	if issues[2].Row != 3 || issues[2].Rule != "range_time" {
		t.Fatalf("unexpected last issue: %+v", issues[2])
	}
	if rows[1]["age"] != "250" || rows[2]["age"] != "abc" {
		t.Fatal("audit must not modify rows")
	}

	stats := auditor.GetStats()
	if stats.TotalChecked != 3 || stats.Flagged != 2 || stats.Issues["range_ejection_fraction"] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestQualityAuditCustomRule(t *testing.T) {
	auditor := NewQualityAuditor()
	auditor.AddRule(NewRangeRule("platelets", 25000, 900000))

	issues := auditor.Audit([]ml.Row{{"platelets": "1000"}})
	if len(issues) != 1 || issues[0].Rule != "range_platelets" {
		t.Fatalf("unexpected issues: %+v", issues)
	}
}

func TestWatchFileTriggersOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records.csv")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- WatchFile(ctx, path, 50*time.Millisecond, nil, func(context.Context) error {
			select {
			case changed <- struct{}{}:
			default:
			}
			return nil
		})
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for fired := false; !fired; {
		select {
		case <-changed:
			fired = true
		case <-tick.C:
			// writes to other files in the directory are ignored
			os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644)
			os.WriteFile(path, []byte(sample+"60,40,137,1.0,8,0\n"), 0o644)
		case <-deadline:
			t.Fatal("change handler never ran")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}
