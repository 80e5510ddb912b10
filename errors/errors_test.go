package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	jterrors "github.com/Deepreo/jobtrack/errors"
)

func TestExtendError(t *testing.T) {
	baseErr := errors.New("base error")

	t.Run("Wrap and Unwrap", func(t *testing.T) {
		infraErr := jterrors.InfraError(baseErr)

		if !jterrors.Is(baseErr, infraErr) {
			t.Error("Expected infraErr to be baseErr")
		}

		if !errors.Is(infraErr, baseErr) {
			t.Error("Expected infraErr to wrap baseErr")
		}

		unwrapped := errors.Unwrap(infraErr)
		if unwrapped != baseErr {
			t.Errorf("Expected unwrapped error to be baseErr, got %v", unwrapped)
		}
	})

	t.Run("Code and Metadata", func(t *testing.T) {
		err := jterrors.InfraError(baseErr).
			WithCode(jterrors.CodeStorageWrite).
			WithJob("daily-cleanup")

		if err.Code != jterrors.CodeStorageWrite {
			t.Errorf("Expected code %s, got %s", jterrors.CodeStorageWrite, err.Code)
		}

		if val, ok := err.Metadata["job"]; !ok || val != "daily-cleanup" {
			t.Errorf("Expected metadata job=daily-cleanup, got %v", val)
		}

		expectedMsg := "[STORAGE_WRITE] base error"
		if err.Error() != expectedMsg {
			t.Errorf("Expected error message '%s', got '%s'", expectedMsg, err.Error())
		}
	})

	t.Run("StackTrace", func(t *testing.T) {
		err := jterrors.TrackingError(baseErr)
		if err.StackTrace == "" {
			t.Error("Expected stack trace to be present")
		}
		if !strings.Contains(err.StackTrace, "errors_test.go") {
			t.Error("Expected stack trace to contain test file name")
		}
	})

	t.Run("Rewrap keeps level", func(t *testing.T) {
		infraErr := jterrors.InfraError(baseErr).WithCode(jterrors.CodeLockUnavailable)
		again := jterrors.TrackingError(infraErr)
		if again != infraErr {
			t.Error("Expected rewrapping an ExtendError to return it unchanged")
		}
		if !jterrors.IsInfraError(again) {
			t.Errorf("Expected infrastructure level, got %s", again.Level)
		}
	})

	t.Run("Level through fmt wrapping", func(t *testing.T) {
		wrapped := fmt.Errorf("ensure registry: %w", jterrors.InfraError(baseErr).WithCode(jterrors.CodeRegistryCreate))
		if !jterrors.IsInfraError(wrapped) {
			t.Error("Expected IsInfraError to see through fmt wrapping")
		}
		if code := jterrors.GetCode(wrapped); code != jterrors.CodeRegistryCreate {
			t.Errorf("Expected code %s, got %s", jterrors.CodeRegistryCreate, code)
		}
		if !jterrors.IsUnknownError(baseErr) {
			t.Error("Expected a plain error to report the unknown level")
		}
	})

	t.Run("Nil stays nil", func(t *testing.T) {
		if jterrors.InfraError(nil) != nil {
			t.Error("Expected wrapping nil to return nil")
		}
	})
}
