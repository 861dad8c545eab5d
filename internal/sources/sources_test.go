package sources

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/bryan-buckman/newsrelay/internal/database"
	"github.com/bryan-buckman/newsrelay/internal/logging"
	"github.com/bryan-buckman/newsrelay/internal/model"
)

func TestSplitRefs(t *testing.T) {
	got := SplitRefs(" @a, @b  @a,,https://x.example/rss\n@c ")
	want := []string{"@a", "@b", "https://x.example/rss", "@c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SplitRefs = %v, want %v", got, want)
	}
	if got := SplitRefs("  , "); len(got) != 0 {
		t.Errorf("SplitRefs(blank) = %v", got)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in       string
		wantKind model.SourceKind
		wantRef  string
		wantErr  bool
	}{
		{in: "@NewsDaily", wantKind: model.SourceChannel, wantRef: "@newsdaily"},
		{in: "newsdaily", wantKind: model.SourceChannel, wantRef: "@newsdaily"},
		{in: "https://t.me/newsdaily", wantKind: model.SourceChannel, wantRef: "@newsdaily"},
		{in: "https://example.com/feed.xml", wantKind: model.SourceFeed, wantRef: "https://example.com/feed.xml"},
		{in: "@ab", wantErr: true},
		{in: "bad name!", wantErr: true},
		{in: "https://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			kind, ref, err := Normalize(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRef) {
					t.Errorf("err = %v, want ErrInvalidRef", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if kind != tt.wantKind || ref != tt.wantRef {
				t.Errorf("got %s %s, want %s %s", kind, ref, tt.wantKind, tt.wantRef)
			}
		})
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "sources.db"))
	if err != nil {
		t.Fatalf("database.New failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRegistry(db, logging.NopLogger())
}

func TestAddAndRemove(t *testing.T) {
	r := newTestRegistry(t)

	res, err := r.Add("@first, second https://feed.example/rss !!")
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if len(res.Changed) != 3 || !reflect.DeepEqual(res.Invalid, []string{"!!"}) {
		t.Errorf("add result = %+v", res)
	}

	res, err = r.Add("@FIRST")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Changed) != 0 || !reflect.DeepEqual(res.Unchanged, []string{"@first"}) {
		t.Errorf("re-add result = %+v", res)
	}

	src, ok, err := r.MonitoredChannel("Second")
	if err != nil || !ok || src.Ref != "@second" {
		t.Errorf("MonitoredChannel = %+v, %v, %v", src, ok, err)
	}

	res, err = r.Remove("@second @missing")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !reflect.DeepEqual(res.Changed, []string{"@second"}) || !reflect.DeepEqual(res.Unchanged, []string{"@missing"}) {
		t.Errorf("remove result = %+v", res)
	}
	if _, ok, _ := r.MonitoredChannel("second"); ok {
		t.Error("removed channel still monitored")
	}

	all, err := r.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("List = %+v", all)
	}
}

func TestMonitoredChannelIgnoresFeeds(t *testing.T) {
	r := newTestRegistry(t)
	if _, ok, err := r.MonitoredChannel(""); ok || err != nil {
		t.Errorf("empty username: %v %v", ok, err)
	}
	if _, ok, _ := r.MonitoredChannel("nobody"); ok {
		t.Error("unknown channel reported monitored")
	}
}
