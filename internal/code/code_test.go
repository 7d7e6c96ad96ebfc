package code

import (
	"testing"
)

func TestBidirectionalDiffRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a, b string
	}{
		{"simple edit", "line one\nline two\nline three", "line one\nline 2\nline three"},
		{"append", "a\nb", "a\nb\nc"},
		{"prepend", "b\nc", "a\nb\nc"},
		{"delete middle", "a\nb\nc", "a\nc"},
		{"full rewrite", "old content", "entirely new content\nwith two lines"},
		{"from empty", "", "fresh\nfile"},
		{"to empty", "doomed\nfile", ""},
		{"identical", "same\nsame", "same\nsame"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			forward, reverse := ComputeBidirectionalDiff(tc.a, tc.b)

			gotB, err := forward.Apply(tc.a)
			if err != nil {
				t.Fatalf("apply forward: %v", err)
			}
			if gotB != tc.b {
				t.Fatalf("forward: want %q, got %q", tc.b, gotB)
			}

			gotA, err := reverse.Apply(tc.b)
			if err != nil {
				t.Fatalf("apply reverse: %v", err)
			}
			if gotA != tc.a {
				t.Fatalf("reverse: want %q, got %q", tc.a, gotA)
			}
		})
	}
}

func TestDiffApplyMismatch(t *testing.T) {
	t.Parallel()

	forward, _ := ComputeBidirectionalDiff("a\nb", "a\nc")
	if _, err := forward.Apply("completely different"); err == nil {
		t.Fatal("applying a diff to the wrong source must fail")
	}
}

func TestChangelogRecordAndHistory(t *testing.T) {
	t.Parallel()

	log := NewChangelog("ws-1")
	n1 := log.Record("author-1", "main.go", OpCreate, "", "package main\n", "create")
	n2 := log.Record("author-1", "main.go", OpEdit, "package main\n", "package main\n\nfunc main() {}\n", "add main")

	if len(n1.ParentIDs) != 0 {
		t.Fatalf("first change must have no parents, got %v", n1.ParentIDs)
	}
	if len(n2.ParentIDs) != 1 || n2.ParentIDs[0] != n1.ID {
		t.Fatalf("second change must parent the first, got %v", n2.ParentIDs)
	}

	history := log.History("main.go")
	if len(history) != 2 || history[0].ID != n2.ID || history[1].ID != n1.ID {
		t.Fatalf("history order wrong: %v", history)
	}
}

func TestChangelogUndoAppendsNode(t *testing.T) {
	t.Parallel()

	log := NewChangelog("ws-1")
	before := "hello\nworld"
	after := "hello\nthere\nworld"
	n := log.Record("a", "f.txt", OpEdit, before, after, "insert")

	undo, err := log.Undo("a", n.ID)
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if undo.Operation != OpUndo || undo.RevertedID != n.ID {
		t.Fatalf("unexpected undo node: %+v", undo)
	}

	// The undo node's forward diff takes the file back to before.
	got, err := undo.ForwardDiff.Apply(after)
	if err != nil {
		t.Fatalf("apply undo: %v", err)
	}
	if got != before {
		t.Fatalf("undo should restore %q, got %q", before, got)
	}

	// History is append-only; the original node is untouched.
	if log.Len() != 2 {
		t.Fatalf("want 2 nodes (edit + undo), got %d", log.Len())
	}
	orig, _ := log.Get(n.ID)
	if orig.Operation != OpEdit {
		t.Fatal("original node must not mutate")
	}

	if _, err := log.Undo("a", "missing"); err == nil {
		t.Fatal("undo of unknown node must fail")
	}
}

func TestChangelogRenameParents(t *testing.T) {
	t.Parallel()

	log := NewChangelog("ws-1")
	n1 := log.Record("a", "old.txt", OpCreate, "", "content", "create")
	rename := log.RecordRename("a", "old.txt", "new.txt")

	if len(rename.ParentIDs) != 1 || rename.ParentIDs[0] != n1.ID {
		t.Fatalf("rename must parent the old path head, got %v", rename.ParentIDs)
	}
	if _, ok := log.Head("old.txt"); ok {
		t.Fatal("old path must have no head after rename")
	}
	if head, _ := log.Head("new.txt"); head != rename.ID {
		t.Fatal("new path head must be the rename node")
	}
}
