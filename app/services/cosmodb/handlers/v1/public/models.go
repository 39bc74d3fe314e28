package public

import (
	"time"

	"github.com/cosmoweb3/cosmodb/business/sys/validate"
	"github.com/cosmoweb3/cosmodb/foundation/cosmodb"
)

// inserted is returned after a document is stored.
type inserted struct {
	ID        string `json:"id"`
	Partition string `json:"partition"`
}

// newError is the payload for recording an error from a caller.
type newError struct {
	Operation string `json:"operation" validate:"required,max=64"`
	Message   string `json:"message" validate:"required,max=4096"`
}

// Validate checks the data in the model is considered clean.
func (ne newError) Validate() error {
	return validate.Check(ne)
}

// legacyRequest is the single action payload older clients post to /v1/db.
type legacyRequest struct {
	Action     string         `json:"action" validate:"required,oneof=insert find stats log_error"`
	Collection string         `json:"collection"`
	Data       map[string]any `json:"data"`
	Query      map[string]any `json:"query"`
	Operation  string         `json:"operation"`
	Message    string         `json:"message"`
}

// Validate checks the data in the model is considered clean.
func (lr legacyRequest) Validate() error {
	if err := validate.Check(lr); err != nil {
		return err
	}

	switch lr.Action {
	case "insert", "find":
		if lr.Collection == "" {
			return validate.FieldErrors{{Field: "collection", Error: "collection is a required field"}}
		}
	}

	return nil
}

// legacyStats is the stats shape older clients expect.
type legacyStats struct {
	Store   cosmodb.Stats `json:"store"`
	Healing healing       `json:"healing"`
	Updated time.Time     `json:"updated"`
}

type healing struct {
	ErrorsFixed  uint64     `json:"errors_fixed"`
	LastHeal     *time.Time `json:"last_heal"`
	CurrentIssue string     `json:"current_issue"`
}
