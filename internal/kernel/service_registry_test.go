package kernel

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"

	"forcesub-bot/pkg/forcesub"
)

func TestServiceRegistryRegister(t *testing.T) {
	tests := []struct {
		name    string
		first   string
		second  string
		value   any
		wantErr error
	}{
		{name: "distinct names", first: "config", second: "links", value: "x"},
		{name: "duplicate name", first: "config", second: "config", value: "x", wantErr: forcesub.ErrServiceAlreadyRegistered},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			registry := NewServiceRegistry()
			if err := registry.Register(testCase.first, testCase.value); err != nil {
				t.Fatalf("first register failed: %v", err)
			}
			err := registry.Register(testCase.second, testCase.value)
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("second register error = %v, want %v", err, testCase.wantErr)
			}
		})
	}
}

func TestServiceRegistryRejectsInvalid(t *testing.T) {
	t.Parallel()

	registry := NewServiceRegistry()
	if err := registry.Register("", "x"); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := registry.Register("x", nil); err == nil {
		t.Fatal("expected error for nil service")
	}
	if _, err := registry.Resolve("missing"); !errors.Is(err, forcesub.ErrServiceNotFound) {
		t.Fatalf("resolve error = %v, want ErrServiceNotFound", err)
	}
}

func TestResolveAsTyped(t *testing.T) {
	t.Parallel()

	registry := NewServiceRegistry()
	logger := slog.Default()
	if err := registry.Register(forcesub.ServiceLogger, logger); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := registry.Register(forcesub.ServiceAdmins, "not an admin directory"); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	resolved, err := forcesub.ResolveAs[*slog.Logger](registry, forcesub.ServiceLogger)
	if err != nil || resolved != logger {
		t.Fatalf("ResolveAs logger = (%v, %v), want registered logger", resolved, err)
	}
	if _, err := forcesub.ResolveAs[forcesub.AdminDirectory](registry, forcesub.ServiceAdmins); err == nil {
		t.Fatal("expected type assertion error")
	}
	if diff := cmp.Diff([]string{forcesub.ServiceAdmins, forcesub.ServiceLogger}, registry.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
}
