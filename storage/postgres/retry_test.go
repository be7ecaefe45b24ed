package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/lib/pq"

	"github.com/vstream/roomevents/internal/retry"
)

func TestClassifyPqErrMarksConnectionExceptionClassTransient(t *testing.T) {
	err := &pq.Error{Code: pq.ErrorCode("08006"), Message: "connection failure"}
	if !retry.IsTransient(classifyPqErr(err)) {
		t.Fatal("expected a class-08 error to be classified transient")
	}
}

func TestClassifyPqErrMarksSerializationFailureTransient(t *testing.T) {
	err := &pq.Error{Code: pq.ErrorCode("40001"), Message: "serialization_failure"}
	if !retry.IsTransient(classifyPqErr(err)) {
		t.Fatal("expected 40001 to be classified transient")
	}
}

func TestClassifyPqErrMarksDeadlockTransient(t *testing.T) {
	err := &pq.Error{Code: pq.ErrorCode("40P01"), Message: "deadlock_detected"}
	if !retry.IsTransient(classifyPqErr(err)) {
		t.Fatal("expected 40P01 to be classified transient")
	}
}

func TestClassifyPqErrLeavesConstraintViolationsAlone(t *testing.T) {
	err := &pq.Error{Code: pq.ErrorCode("23505"), Message: "unique_violation"}
	if retry.IsTransient(classifyPqErr(err)) {
		t.Fatal("a unique constraint violation must not be retried")
	}
}

func TestClassifyPqErrPassesThroughNil(t *testing.T) {
	if classifyPqErr(nil) != nil {
		t.Fatal("expected nil in, nil out")
	}
}

func TestWithRetryRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return &pq.Error{Code: pq.ErrorCode("40001"), Message: "serialization_failure"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestWithRetryValueReturnsResultOnEventualSuccess(t *testing.T) {
	attempts := 0
	got, err := withRetryValue(context.Background(), func(ctx context.Context) (int, error) {
		attempts++
		if attempts < 2 {
			return 0, &pq.Error{Code: pq.ErrorCode("40P01"), Message: "deadlock_detected"}
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestWithRetryDoesNotRetryNonTransientError(t *testing.T) {
	attempts := 0
	want := errors.New("not found")
	err := withRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly one attempt, got %d", attempts)
	}
}
