package imap

import "testing"

func TestParseFetchItemsMacros(t *testing.T) {
	if got := parseFetchItems("ALL"); len(got) != 4 {
		t.Fatalf("ALL expands to %v", got)
	}
	if got := parseFetchItems("(FLAGS UID)"); len(got) != 2 {
		t.Fatalf("explicit list = %v", got)
	}
}

func TestRenderFetchItemFlagsAndUID(t *testing.T) {
	m := message{Message: Message{UID: 42, Flags: "S"}, body: []byte("hi")}
	if got := renderFetchItem("UID", m); got != "UID 42" {
		t.Fatalf("UID render = %q", got)
	}
	if got := renderFetchItem("FLAGS", m); got != `FLAGS (\Seen)` {
		t.Fatalf("FLAGS render = %q", got)
	}
	if got := renderFetchItem("RFC822.SIZE", m); got != "RFC822.SIZE 2" {
		t.Fatalf("RFC822.SIZE render = %q", got)
	}
}

func TestIsPeek(t *testing.T) {
	if !isPeek("BODY.PEEK[HEADER]") {
		t.Fatal("BODY.PEEK[...] should be a peek")
	}
	if isPeek("BODY[TEXT]") {
		t.Fatal("BODY[...] without PEEK should not be a peek")
	}
}
