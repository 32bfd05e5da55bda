package store

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestTabs(t *testing.T, dir string, maxTabs int) *Tabs {
	t.Helper()
	tabs, err := OpenTabs(dir, maxTabs)
	if err != nil {
		t.Fatalf("OpenTabs: %v", err)
	}
	return tabs
}

func TestOpenTabs_BootstrapsDefault(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	tabs := openTestTabs(t, dir, 0)

	doc := tabs.Get()
	if len(doc.Tabs) != 1 {
		t.Fatalf("got %d tabs, want 1", len(doc.Tabs))
	}
	if doc.Tabs[0].ID == "" {
		t.Error("default tab has no id")
	}
	if doc.Tabs[0].Name != "Terminal 1" {
		t.Errorf("default tab named %q, want %q", doc.Tabs[0].Name, "Terminal 1")
	}
	if doc.LastModified == 0 {
		t.Error("lastModified not stamped")
	}
}

func TestOpenTabs_FilePermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	openTestTabs(t, dir, 0)

	di, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat dir: %v", err)
	}
	if perm := di.Mode().Perm(); perm != 0700 {
		t.Errorf("state dir mode = %o, want 0700", perm)
	}

	fi, err := os.Stat(filepath.Join(dir, "tabs.json"))
	if err != nil {
		t.Fatalf("stat tabs.json: %v", err)
	}
	if perm := fi.Mode().Perm(); perm != 0600 {
		t.Errorf("tabs.json mode = %o, want 0600", perm)
	}
}

func TestOpenTabs_CorruptFileRegenerates(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tabs.json"), []byte("{{{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	tabs := openTestTabs(t, dir, 0)
	doc := tabs.Get()
	if len(doc.Tabs) != 1 || doc.Tabs[0].Name != "Terminal 1" {
		t.Errorf("corrupt file did not regenerate default index: %+v", doc.Tabs)
	}
}

func TestOpenTabs_TruncatesOverCap(t *testing.T) {
	dir := t.TempDir()
	payload := `{"tabs":[
		{"id":"1","name":"a"},{"id":"2","name":"b"},{"id":"3","name":"c"},{"id":"4","name":"d"}
	],"lastModified":5}`
	if err := os.WriteFile(filepath.Join(dir, "tabs.json"), []byte(payload), 0600); err != nil {
		t.Fatal(err)
	}

	tabs := openTestTabs(t, dir, 3)
	if got := len(tabs.Get().Tabs); got != 3 {
		t.Errorf("got %d tabs, want 3 (cap)", got)
	}
}

func TestTabs_AddIsIdempotentPerID(t *testing.T) {
	tabs := openTestTabs(t, t.TempDir(), 0)

	if _, err := tabs.Add("tab-a", "First"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	doc, err := tabs.Add("tab-a", "First again")
	if err != nil {
		t.Fatalf("repeat Add: %v", err)
	}
	if len(doc.Tabs) != 2 {
		t.Errorf("got %d tabs after duplicate add, want 2", len(doc.Tabs))
	}
	// The original entry is untouched.
	for _, tab := range doc.Tabs {
		if tab.ID == "tab-a" && tab.Name != "First" {
			t.Errorf("duplicate add renamed tab to %q", tab.Name)
		}
	}
}

func TestTabs_AddGeneratesID(t *testing.T) {
	tabs := openTestTabs(t, t.TempDir(), 0)

	doc, err := tabs.Add("", "")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	added := doc.Tabs[len(doc.Tabs)-1]
	if added.ID == "" {
		t.Error("no id generated")
	}
	if added.Name != "Terminal" {
		t.Errorf("default name %q, want %q", added.Name, "Terminal")
	}
}

func TestTabs_AddRespectsCap(t *testing.T) {
	tabs := openTestTabs(t, t.TempDir(), 3)

	tabs.Add("a", "A")
	tabs.Add("b", "B")

	if _, err := tabs.Add("c", "C"); err != ErrTabLimit {
		t.Errorf("got err %v, want ErrTabLimit", err)
	}
	if got := len(tabs.Get().Tabs); got != 3 {
		t.Errorf("got %d tabs, want 3", got)
	}
}

func TestTabs_Rename(t *testing.T) {
	tabs := openTestTabs(t, t.TempDir(), 0)
	tabs.Add("a", "Old")

	doc, err := tabs.Rename("a", "New")
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	for _, tab := range doc.Tabs {
		if tab.ID == "a" && tab.Name != "New" {
			t.Errorf("name = %q, want %q", tab.Name, "New")
		}
	}

	if _, err := tabs.Rename("missing", "X"); err != ErrTabNotFound {
		t.Errorf("got err %v, want ErrTabNotFound", err)
	}
}

func TestTabs_RemoveUnknownIsNoop(t *testing.T) {
	tabs := openTestTabs(t, t.TempDir(), 0)
	before := tabs.Get()

	doc, err := tabs.Remove("missing")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(doc.Tabs) != len(before.Tabs) {
		t.Errorf("no-op remove changed tab count: %d -> %d", len(before.Tabs), len(doc.Tabs))
	}
}

func TestTabs_RemoveLastAutoCreatesDefault(t *testing.T) {
	tabs := openTestTabs(t, t.TempDir(), 0)
	only := tabs.Get().Tabs[0]

	doc, err := tabs.Remove(only.ID)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(doc.Tabs) != 1 {
		t.Fatalf("got %d tabs, want 1 (auto-created)", len(doc.Tabs))
	}
	if doc.Tabs[0].ID == only.ID {
		t.Error("removed tab came back with the same id")
	}
}

func TestTabs_ReplaceEmptyCollapsesToDefault(t *testing.T) {
	tabs := openTestTabs(t, t.TempDir(), 0)

	doc, err := tabs.Replace(nil)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if len(doc.Tabs) != 1 {
		t.Errorf("got %d tabs, want 1", len(doc.Tabs))
	}
}

func TestTabs_ReplaceOverCapRejected(t *testing.T) {
	tabs := openTestTabs(t, t.TempDir(), 2)
	before := tabs.Get()

	_, err := tabs.Replace([]Tab{{ID: "1"}, {ID: "2"}, {ID: "3"}})
	if err != ErrTabLimit {
		t.Fatalf("got err %v, want ErrTabLimit", err)
	}
	after := tabs.Get()
	if after.LastModified != before.LastModified {
		t.Error("rejected replace still stamped the document")
	}
}

func TestTabs_SetAndClearSessions(t *testing.T) {
	tabs := openTestTabs(t, t.TempDir(), 0)
	tabs.Add("a", "A")
	sid := "sess-123"

	doc, err := tabs.SetSession("a", &sid)
	if err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	var bound bool
	for _, tab := range doc.Tabs {
		if tab.ID == "a" && tab.SessionID != nil && *tab.SessionID == sid {
			bound = true
		}
	}
	if !bound {
		t.Fatal("session id not bound")
	}

	doc, err = tabs.ClearSessions()
	if err != nil {
		t.Fatalf("ClearSessions: %v", err)
	}
	for _, tab := range doc.Tabs {
		if tab.SessionID != nil {
			t.Errorf("tab %s still bound to %s", tab.ID, *tab.SessionID)
		}
	}

	if _, err := tabs.SetSession("missing", &sid); err != ErrTabNotFound {
		t.Errorf("got err %v, want ErrTabNotFound", err)
	}
}

func TestTabs_LastModifiedStrictlyIncreases(t *testing.T) {
	tabs := openTestTabs(t, t.TempDir(), 0)

	prev := tabs.Get().LastModified
	for i := 0; i < 5; i++ {
		doc, err := tabs.Add("", "T")
		if err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
		if doc.LastModified <= prev {
			t.Fatalf("lastModified %d not greater than %d", doc.LastModified, prev)
		}
		prev = doc.LastModified
	}
}

func TestTabs_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	tabs := openTestTabs(t, dir, 0)
	tabs.Add("keep", "Kept Tab")

	reopened := openTestTabs(t, dir, 0)
	var found bool
	for _, tab := range reopened.Get().Tabs {
		if tab.ID == "keep" && tab.Name == "Kept Tab" {
			found = true
		}
	}
	if !found {
		t.Error("added tab lost across reopen")
	}
}

func TestTabs_GetReturnsCopy(t *testing.T) {
	tabs := openTestTabs(t, t.TempDir(), 0)

	doc := tabs.Get()
	doc.Tabs[0].Name = "mutated"

	if got := tabs.Get().Tabs[0].Name; got == "mutated" {
		t.Error("Get() leaked internal slice")
	}
}
