// Package validator wraps go-playground/validator with message-domain error
// reporting.
package validator

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// A Validator validates structs and single values against their validation
// tags.
type Validator struct {
	cli *validator.Validate
}

// An Error describes one failed validation rule.
type Error struct {
	Field   string
	Message string
}

func (e Error) String() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

func formatErrors(err error) []Error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []Error{{Field: "", Message: err.Error()}}
	}
	out := make([]Error, 0, len(verrs))
	for _, ve := range verrs {
		msg := "failed rule " + ve.Tag()
		if ve.Tag() == "required" {
			msg = "is required"
		}
		out = append(out, Error{Field: ve.StructField(), Message: msg})
	}
	return out
}

// ValidateStruct validates every tagged field of s and returns one Error per
// violated rule, or nil when s is valid.
func (v *Validator) ValidateStruct(s interface{}) []Error {
	if err := v.cli.Struct(s); err != nil {
		return formatErrors(err)
	}
	return nil
}

// Validate checks a single value against a tag expression such as
// "required,min=1".
func (v *Validator) Validate(value interface{}, tag string) []Error {
	if err := v.cli.Var(value, tag); err != nil {
		return formatErrors(err)
	}
	return nil
}

// New returns a ready-to-use Validator.
func New() *Validator {
	return &Validator{
		cli: validator.New(validator.WithRequiredStructEnabled()),
	}
}
