package kernel

import (
	"bytes"
	"strings"
	"testing"

	"corekernel/kernel/kfmt"
)

func TestPanicReportsError(t *testing.T) {
	defer func() {
		SetHaltFunc(func() { select {} })
		kfmt.SetOutputSink(nil)
	}()

	halted := false
	SetHaltFunc(func() { halted = true })

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	Panic(&Error{Module: "test", Message: "boom"})

	if !halted {
		t.Fatal("expected Panic to invoke the halt function")
	}
	if !strings.Contains(buf.String(), "[test] unrecoverable error: boom") {
		t.Fatalf("unexpected panic output: %q", buf.String())
	}
}

func TestPanicAcceptsStringsAndErrors(t *testing.T) {
	defer func() {
		SetHaltFunc(func() { select {} })
		kfmt.SetOutputSink(nil)
	}()
	SetHaltFunc(func() {})

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	Panic("plain string cause")
	if !strings.Contains(buf.String(), "plain string cause") {
		t.Fatalf("expected message in output, got %q", buf.String())
	}
}
