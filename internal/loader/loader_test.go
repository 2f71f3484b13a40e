package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/regsync/internal/codec"
	"github.com/danmuck/regsync/internal/ident"
	"github.com/danmuck/regsync/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newTestDir(t *testing.T, roots ...string) *Dir {
	t.Helper()
	logger := testlog.Logger(t)
	d, err := NewDir(roots, &logger)
	if err != nil {
		t.Fatalf("new dir: %v", err)
	}
	return d
}

func TestLoadBatch(t *testing.T) {
	testlog.Start(t)
	first := t.TempDir()
	second := t.TempDir()
	blades := filepath.Join("arms", "blades")

	writeFile(t, filepath.Join(first, "tools", blades, "iron.json"), `{"type":"arms:blade","damage":5}`)
	writeFile(t, filepath.Join(first, "tools", blades, "sub", "steel.yaml"), "type: arms:blade\ndamage: 6\n")
	writeFile(t, filepath.Join(first, "tools", blades, "gold.toml"), "type = \"arms:blade\"\ndamage = 4\n")
	writeFile(t, filepath.Join(first, "tools", blades, "empty.json"), "\n")
	writeFile(t, filepath.Join(first, "tools", blades, "broken.yaml"), "damage: [1, 2\n")
	writeFile(t, filepath.Join(first, "tools", blades, "notes.txt"), "ignored")
	writeFile(t, filepath.Join(first, "tools", "arms", "bows", "long.json"), `{"type":"arms:bow"}`)
	writeFile(t, filepath.Join(second, "tools", blades, "iron.json"), `{"type":"arms:blade","damage":9}`)
	writeFile(t, filepath.Join(second, "extra", blades, "bone.yml"), "type: arms:blade\ndamage: 1\n")

	d := newTestDir(t, first, second, filepath.Join(first, "missing"))
	batch, err := d.LoadBatch(context.Background(), "arms/blades")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := codec.Batch{
		{ID: ident.MustParse("extra:bone"), Payload: codec.Payload(`{"damage":1,"type":"arms:blade"}`)},
		{ID: ident.MustParse("tools:empty"), Payload: codec.Payload{}},
		{ID: ident.MustParse("tools:gold"), Payload: codec.Payload(`{"damage":4,"type":"arms:blade"}`)},
		{ID: ident.MustParse("tools:iron"), Payload: codec.Payload(`{"type":"arms:blade","damage":5}`)},
		{ID: ident.MustParse("tools:iron"), Payload: codec.Payload(`{"type":"arms:blade","damage":9}`)},
		{ID: ident.MustParse("tools:sub/steel"), Payload: codec.Payload(`{"damage":6,"type":"arms:blade"}`)},
	}
	got := make([]string, 0, len(batch))
	for _, e := range batch {
		got = append(got, e.ID.String()+" "+string(e.Payload))
	}
	wantText := make([]string, 0, len(want))
	for _, e := range want {
		wantText = append(wantText, e.ID.String()+" "+string(e.Payload))
	}
	if diff := cmp.Diff(wantText, got); diff != "" {
		t.Fatalf("batch (-want +got):\n%s", diff)
	}
	if !batch[1].Payload.IsEmpty() {
		t.Fatalf("blank file should load as an empty payload")
	}
}

func TestNewDirRequiresRoot(t *testing.T) {
	testlog.Start(t)
	if _, err := NewDir(nil, nil); err == nil {
		t.Fatalf("expected error without roots")
	}
}

func TestNormalize(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name    string
		kind    format
		raw     string
		want    string
		wantErr bool
	}{
		{name: "json passthrough", kind: formatJSON, raw: `{"a": 1}`, want: `{"a": 1}`},
		{name: "json invalid", kind: formatJSON, raw: `{"a":`, wantErr: true},
		{name: "yaml nested", kind: formatYAML, raw: "a:\n  b: [1, 2]\n", want: `{"a":{"b":[1,2]}}`},
		{name: "yaml null document", kind: formatYAML, raw: "~\n", want: ``},
		{name: "toml table", kind: formatTOML, raw: "[a]\nb = true\n", want: `{"a":{"b":true}}`},
		{name: "toml invalid", kind: formatTOML, raw: "a = \n", wantErr: true},
		{name: "blank", kind: formatTOML, raw: "  \n", want: ``},
	}
	for _, tc := range cases {
		got, err := normalize(tc.kind, []byte(tc.raw))
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if string(got) != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestWatchDebouncesReload(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "tools", "arms", "blades", "iron.json"), `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloads := make(chan struct{}, 8)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, []string{root}, 50*time.Millisecond, testlog.Logger(t), func(context.Context) {
			reloads <- struct{}{}
		})
	}()
	// Give the watcher time to register the tree.
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 3; i++ {
		writeFile(t, filepath.Join(root, "tools", "arms", "blades", "new", "gold.json"), `{"damage":4}`)
	}
	select {
	case <-reloads:
	case <-time.After(3 * time.Second):
		t.Fatalf("no reload after change")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop")
	}
}
