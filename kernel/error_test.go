package kernel

import "testing"

func TestErrorInterface(t *testing.T) {
	err := &Error{Module: "test", Message: "something went wrong"}

	if got := err.Error(); got != "something went wrong" {
		t.Fatalf("expected Error() to return the message; got %q", got)
	}

	var iface error = err
	if iface.Error() != err.Message {
		t.Fatal("expected *Error to satisfy the error interface")
	}
}
