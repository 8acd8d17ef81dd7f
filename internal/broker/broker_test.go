package broker

import (
	"context"
	"testing"
	"time"
)

func TestProvidePasswordFulfillsRequest(t *testing.T) {
	b := New(nil)

	type result struct {
		password string
		err      error
	}
	resultC := make(chan result, 1)

	go func() {
		pw, err := b.RequestPassword(context.Background(), "[sudo] password for deploy:", "sudo", "sess-1", "10.0.0.1", "deploy", "sudo whoami", 2*time.Second)
		resultC <- result{pw, err}
	}()

	var id string
	for i := 0; i < 100; i++ {
		pending := b.ListPending()
		if len(pending) == 1 {
			id = pending[0].ID
			break
		}
		time.Sleep(time.Millisecond)
	}
	if id == "" {
		t.Fatalf("request never appeared in ListPending")
	}

	if !b.ProvidePassword(id, "hunter2") {
		t.Fatalf("ProvidePassword returned false for a known pending id")
	}

	r := <-resultC
	if r.err != nil {
		t.Fatalf("unexpected error: %v", r.err)
	}
	if r.password != "hunter2" {
		t.Fatalf("got password %q, want hunter2", r.password)
	}

	if b.ProvidePassword(id, "again") {
		t.Fatalf("ProvidePassword should return false once a request is already resolved")
	}
}

func TestCancelRequest(t *testing.T) {
	b := New(nil)
	errC := make(chan error, 1)

	go func() {
		_, err := b.RequestPassword(context.Background(), "Password:", "interactive", "sess-1", "host", "user", "ssh host", 2*time.Second)
		errC <- err
	}()

	var id string
	for i := 0; i < 100; i++ {
		pending := b.ListPending()
		if len(pending) == 1 {
			id = pending[0].ID
			break
		}
		time.Sleep(time.Millisecond)
	}
	if id == "" {
		t.Fatalf("request never appeared in ListPending")
	}

	if !b.CancelRequest(id) {
		t.Fatalf("CancelRequest returned false for a known pending id")
	}
	if err := <-errC; err == nil {
		t.Fatalf("expected an error after cancellation")
	}
}

func TestRequestPasswordTimesOut(t *testing.T) {
	b := New(nil)
	_, err := b.RequestPassword(context.Background(), "Password:", "interactive", "sess-1", "host", "user", "cmd", 20*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if len(b.ListPending()) != 0 {
		t.Fatalf("expired request should have been removed from the pending table")
	}
}

func TestUnknownRequestIDIsRejected(t *testing.T) {
	b := New(nil)
	if b.ProvidePassword("does-not-exist", "pw") {
		t.Fatalf("ProvidePassword should reject an unknown id")
	}
	if b.CancelRequest("does-not-exist") {
		t.Fatalf("CancelRequest should reject an unknown id")
	}
}
