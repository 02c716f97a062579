package models

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// package-level validator instance, configured once
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ValidateTask enforces the task field constraints (non-empty bounded prompt
// and work directory, known priority and status, bounded tag set, non-negative
// retry counters). Violations are reported together and match ErrValidation.
func ValidateTask(t Task) error {
	err := validate.Struct(t)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errors.Wrap(ErrValidation, err.Error())
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("field %s fails rule %q", fe.Field(), fe.Tag()))
	}
	return errors.Wrap(ErrValidation, strings.Join(msgs, "; "))
}

// ValidateWorkerID checks the opaque worker identifier supplied on acquisition.
func ValidateWorkerID(workerID string) error {
	if err := validate.Var(workerID, "required,max=128"); err != nil {
		return errors.Wrap(ErrValidation, "worker_id must be non-empty and at most 128 characters")
	}
	return nil
}

// ValidateWorkDirectory checks the partition key supplied on acquisition.
func ValidateWorkDirectory(workDirectory string) error {
	if err := validate.Var(workDirectory, "required,max=512"); err != nil {
		return errors.Wrap(ErrValidation, "work_directory must be non-empty and at most 512 characters")
	}
	return nil
}
