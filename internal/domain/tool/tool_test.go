package tool

import (
	"errors"
	"testing"
)

func TestValidCategory(t *testing.T) {
	for _, c := range Categories() {
		if !ValidCategory(c) {
			t.Errorf("expected %q to be valid", c)
		}
	}
	for _, c := range []Category{"", "weather", "Market"} {
		if ValidCategory(c) {
			t.Errorf("expected %q to be invalid", c)
		}
	}
}

func TestRequestValidate(t *testing.T) {
	cases := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"valid", Request{ID: "r-1", Tool: "get_stock_price"}, false},
		{"missing id", Request{Tool: "get_stock_price"}, true},
		{"missing tool", Request{ID: "r-1"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestErrorDetailAsError(t *testing.T) {
	err := error(NewError(KindTimeout, "no response after %s", "5s"))
	var detail *ErrorDetail
	if !errors.As(err, &detail) {
		t.Fatal("expected ErrorDetail to unwrap")
	}
	if detail.Kind != KindTimeout {
		t.Errorf("expected kind %q, got %q", KindTimeout, detail.Kind)
	}
	if want := "timeout: no response after 5s"; err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestErrorResult(t *testing.T) {
	res := ErrorResult("r-42", KindWorkerCrashed, "worker %s exited", "market")
	if res.ID != "r-42" {
		t.Errorf("expected request id r-42, got %q", res.ID)
	}
	if res.Status != StatusError {
		t.Errorf("expected status error, got %q", res.Status)
	}
	if res.Err == nil || res.Err.Kind != KindWorkerCrashed {
		t.Fatalf("expected worker_crashed detail, got %+v", res.Err)
	}
	if res.CompletedAt.IsZero() {
		t.Error("expected completed_at to be stamped")
	}
}
