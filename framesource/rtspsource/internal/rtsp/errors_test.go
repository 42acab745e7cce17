package rtsp

import "testing"

func TestErrorCategoryString(t *testing.T) {
	cases := map[ErrorCategory]string{
		ErrCategoryNetwork: "network",
		ErrCategoryCodec:   "codec",
		ErrCategoryAuth:    "auth",
		ErrCategoryUnknown: "unknown",
		ErrorCategory(99):  "unknown",
	}
	for cat, want := range cases {
		if got := cat.String(); got != want {
			t.Errorf("ErrorCategory(%d).String() = %q, want %q", cat, got, want)
		}
	}
}

func TestContainsAny(t *testing.T) {
	needles := []string{"timeout", "dns"}
	if containsAny("connection timeout exceeded", needles) != true {
		t.Fatal("expected match on 'timeout'")
	}
	if containsAny("all good here", needles) {
		t.Fatal("expected no match")
	}
	if containsAny("", needles) {
		t.Fatal("expected no match on empty haystack")
	}
}

func TestClassifyGStreamerErrorNil(t *testing.T) {
	if got := ClassifyGStreamerError(nil); got != ErrCategoryUnknown {
		t.Fatalf("ClassifyGStreamerError(nil) = %v, want unknown", got)
	}
}
