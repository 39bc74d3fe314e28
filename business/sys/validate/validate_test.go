package validate_test

import (
	"testing"

	"github.com/cosmoweb3/cosmodb/business/sys/validate"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

type newError struct {
	Operation string `json:"operation" validate:"required,max=64"`
	Message   string `json:"message" validate:"required"`
}

func Test_Check(t *testing.T) {
	t.Log("Given the need to validate request models.")
	{
		if err := validate.Check(newError{Operation: "scrape", Message: "captcha"}); err != nil {
			t.Fatalf("\t%s\tShould accept a complete model: %v", failed, err)
		}
		t.Logf("\t%s\tShould accept a complete model.", success)

		err := validate.Check(newError{Operation: "scrape"})
		if !validate.IsFieldErrors(err) {
			t.Fatalf("\t%s\tShould return field errors: %v", failed, err)
		}
		t.Logf("\t%s\tShould return field errors.", success)

		fields := validate.GetFieldErrors(err).Fields()
		if _, exists := fields["message"]; !exists || len(fields) != 1 {
			t.Fatalf("\t%s\tShould name the json field that failed: %v", failed, fields)
		}
		t.Logf("\t%s\tShould name the json field that failed.", success)
	}
}
