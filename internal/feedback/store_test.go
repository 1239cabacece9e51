package feedback

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/rolecoach/internal/coach"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	fs := NewFileStore(filepath.Join(t.TempDir(), "feedback.jsonl"))
	fs.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600)) }
	return fs
}

func TestFileStore_SaveAndLoad(t *testing.T) {
	fs := newTestStore(t)

	upd := coach.BehaviorUpdate{Scores: coach.Scores{Rapport: 0.4, Trust: 0.6, Interest: 0.2}, Hint: "slow down"}
	if err := fs.SaveBehavior("s1", "CFO", upd); err != nil {
		t.Fatal(err)
	}
	if err := fs.SaveBehavior("s2", "CFO", coach.BehaviorUpdate{}); err != nil {
		t.Fatal(err)
	}
	if err := fs.SaveInsights("s1", "CFO", coach.PostCallInsights{Markdown: "# Good call"}); err != nil {
		t.Fatal(err)
	}

	got, err := fs.Load("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("Load(s1) returned %d records, want 2", len(got))
	}
	if got[0].Kind != KindBehavior || got[0].Scores == nil || got[0].Scores.Trust != 0.6 || got[0].Hint != "slow down" {
		t.Errorf("first record = %+v", got[0])
	}
	if got[1].Kind != KindInsights || got[1].Markdown != "# Good call" || got[1].Scores != nil {
		t.Errorf("second record = %+v", got[1])
	}
	if got[0].Timestamp.Location() != time.UTC || got[0].Timestamp.Hour() != 11 {
		t.Errorf("timestamp = %v, want 11:00 UTC", got[0].Timestamp)
	}

	all, err := fs.Load("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("Load(\"\") returned %d records, want 3", len(all))
	}
}

func TestFileStore_AppendsOneLinePerRecord(t *testing.T) {
	fs := newTestStore(t)
	for range 3 {
		if err := fs.SaveInsights("s1", "", coach.PostCallInsights{Markdown: "line one\nline two"}); err != nil {
			t.Fatal(err)
		}
	}
	raw, err := os.ReadFile(fs.Path())
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(raw), "\n"); n != 3 {
		t.Errorf("file has %d newlines, want 3", n)
	}
	if strings.Contains(string(raw), `"persona"`) {
		t.Error("empty persona was written")
	}
}

func TestFileStore_Load(t *testing.T) {
	tests := []struct {
		name    string
		content *string
		want    int
		wantErr bool
	}{
		{name: "missing file", content: nil, want: 0},
		{name: "blank lines skipped", content: ptr("\n{\"session_id\":\"s1\",\"kind\":\"behavior_update\"}\n\n"), want: 1},
		{name: "corrupt line", content: ptr("{\"session_id\":\"s1\"}\nnot json\n"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newTestStore(t)
			if tt.content != nil {
				if err := os.WriteFile(fs.Path(), []byte(*tt.content), 0o644); err != nil {
					t.Fatal(err)
				}
			}
			got, err := fs.Load("s1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("Load returned %d records, want %d", len(got), tt.want)
			}
		})
	}
}

func ptr(s string) *string { return &s }

func TestWriteReport(t *testing.T) {
	fs := newTestStore(t)
	_ = fs.SaveBehavior("s1", "CFO", coach.BehaviorUpdate{Scores: coach.Scores{Rapport: 0.5, Trust: 0.25, Interest: 1}, Hint: "ask about budget"})
	_ = fs.SaveBehavior("s1", "CFO", coach.BehaviorUpdate{Scores: coach.Scores{Rapport: 0.75, Trust: 0.5, Interest: 1}})
	_ = fs.SaveInsights("s1", "CFO", coach.PostCallInsights{Markdown: "## Summary\nGood discovery.\n"})

	records, err := fs.Load("s1")
	if err != nil {
		t.Fatal(err)
	}
	var out strings.Builder
	if err := WriteReport(&out, "s1", records); err != nil {
		t.Fatal(err)
	}
	want := "session s1 (persona CFO)\n\n" +
		"11:00:00  rapport 0.50  trust 0.25  interest 1.00  hint: ask about budget\n" +
		"11:00:00  rapport 0.75  trust 0.50  interest 1.00\n" +
		"\npost-call insights:\n\n## Summary\nGood discovery.\n"
	if out.String() != want {
		t.Errorf("report =\n%s\nwant\n%s", out.String(), want)
	}

	out.Reset()
	if err := WriteReport(&out, "s9", nil); err != nil {
		t.Fatal(err)
	}
	if out.String() != "no feedback recorded for session s9\n" {
		t.Errorf("empty report = %q", out.String())
	}
}
