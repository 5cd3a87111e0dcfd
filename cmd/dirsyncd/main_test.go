package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestRunMain_Success(t *testing.T) {
	var stderr bytes.Buffer
	if code := runMain(func() error { return nil }, &stderr); code != 0 {
		t.Fatalf("runMain() = %d, want 0", code)
	}
	if stderr.Len() != 0 {
		t.Fatalf("stderr = %q, want empty", stderr.String())
	}
}

func TestRunMain_PlainError(t *testing.T) {
	var stderr bytes.Buffer
	if code := runMain(func() error { return errors.New("boom") }, &stderr); code != 1 {
		t.Fatalf("runMain() = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "boom") {
		t.Fatalf("stderr = %q, want error detail", stderr.String())
	}
}

func TestRunMain_ExitErrorCode(t *testing.T) {
	var stderr bytes.Buffer
	err := &exitError{code: 2, err: errors.New("bad flag")}
	if code := runMain(func() error { return err }, &stderr); code != 2 {
		t.Fatalf("runMain() = %d, want 2", code)
	}
}

func TestRunMain_SilentExitError(t *testing.T) {
	var stderr bytes.Buffer
	err := &exitError{code: 3, silent: true}
	if code := runMain(func() error { return err }, &stderr); code != 3 {
		t.Fatalf("runMain() = %d, want 3", code)
	}
	if stderr.Len() != 0 {
		t.Fatalf("stderr = %q, want silence", stderr.String())
	}
}

func TestRunMain_Canceled(t *testing.T) {
	var stderr bytes.Buffer
	err := fmt.Errorf("pass aborted: %w", context.Canceled)
	if code := runMain(func() error { return err }, &stderr); code != 130 {
		t.Fatalf("runMain() = %d, want 130", code)
	}
}
