package jms

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestRequestComplete(t *testing.T) {
	errBang := errors.New("bang")

	tests := []struct {
		label   string
		err     error
		wantErr error
	}{
		{
			label: "success",
		},
		{
			label:   "failure",
			err:     errBang,
			wantErr: errBang,
		},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			req := newRequest()
			req.complete(tt.err)

			err := req.wait(context.Background())
			if err != tt.wantErr {
				t.Errorf("wait() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestCompleteTwice(t *testing.T) {
	req := newRequest()
	req.complete(nil)

	defer func() {
		if recover() == nil {
			t.Error("second complete did not panic")
		}
	}()
	req.complete(nil)
}

func TestRequestNil(t *testing.T) {
	var req *request

	req.complete(errors.New("ignored"))

	if err := req.wait(context.Background()); err != nil {
		t.Errorf("nil wait() = %v, want nil", err)
	}
}

func TestRequestWaitCancel(t *testing.T) {
	req := newRequest()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := req.wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("wait() = %v, want %v", err, context.DeadlineExceeded)
	}

	// completion after abandonment must still succeed
	req.complete(nil)
}

func TestWrappedRequest(t *testing.T) {
	var order []string

	req := newRequest()
	wrapped := wrappedRequest{
		target: req,
		before: func() { order = append(order, "before") },
		after:  func(err error) { order = append(order, "after") },
	}
	wrapped.complete(nil)

	if err := req.wait(context.Background()); err != nil {
		t.Fatalf("wait() = %v", err)
	}

	want := []string{"before", "after"}
	if !testEqual(order, want) {
		t.Errorf("hook order %v, want %v", order, want)
	}
}
