package remote

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindPredicates(t *testing.T) {
	nf := newError(KindNotFound, "channel.fetch", errors.New("status 404"))
	if !IsNotFound(nf) || IsTransient(nf) || IsUnauthorized(nf) {
		t.Fatalf("not-found misclassified")
	}
	tr := newError(KindTransient, "messages.create", errors.New("status 503"))
	if !IsTransient(tr) || IsNotFound(tr) {
		t.Fatalf("transient misclassified")
	}
	ua := newError(KindUnauthorized, "members.list", errors.New("status 403"))
	if !IsUnauthorized(ua) {
		t.Fatalf("unauthorized misclassified")
	}
}

// Predicates see through fmt.Errorf wrapping, which callers add when they
// annotate resolution failures with the target id.
func TestErrorKindPredicatesUnwrap(t *testing.T) {
	wrapped := fmt.Errorf("resolve channel 2: %w", newError(KindNotFound, "channel.fetch", errors.New("status 404")))
	if !IsNotFound(wrapped) {
		t.Fatalf("wrapped not-found not detected")
	}
	if IsNotFound(errors.New("plain")) || IsTransient(nil) {
		t.Fatalf("non-remote errors classified")
	}
}
