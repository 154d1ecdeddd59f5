package contact

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Error codes reported per field.
const (
	CodeRequired     = "required"
	CodeMinLength    = "minLength"
	CodeMaxLength    = "maxLength"
	CodeEmailInvalid = "emailInvalid"
)

// Form is a contact submission after trimming.
type Form struct {
	Name    string `form:"name" json:"name" validate:"required,min=2,max=100"`
	Email   string `form:"email" json:"email" validate:"required,contact_email,max=255"`
	Message string `form:"message" json:"message" validate:"required,min=10,max=2000"`
}

// FieldErrors maps a form field to its first failing code.
type FieldErrors map[string]string

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// emailTag must match the validate tag on Form.Email.
const emailTag = "contact_email"

var tagCodes = map[string]string{
	"required": CodeRequired,
	"min":      CodeMinLength,
	"max":      CodeMaxLength,
	emailTag:   CodeEmailInvalid,
}

func newValidator() (*validator.Validate, error) {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("form")
	})
	if err := registerEmail(v, emailTag); err != nil {
		return nil, err
	}
	return v, nil
}

func registerEmail(v *validator.Validate, tag string) error {
	err := v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
		return emailPattern.MatchString(fl.Field().String())
	})
	if err != nil {
		return fmt.Errorf("registering %q validation: %w", tag, err)
	}
	return nil
}

func mustValidator() *validator.Validate {
	v, err := newValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// NewForm trims the raw values.
func NewForm(name, email, message string) Form {
	return Form{
		Name:    strings.TrimSpace(name),
		Email:   strings.TrimSpace(email),
		Message: strings.TrimSpace(message),
	}
}

func validateForm(v *validator.Validate, f Form) FieldErrors {
	err := v.Struct(f)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return FieldErrors{"form": CodeRequired}
	}
	out := FieldErrors{}
	for _, fe := range verrs {
		if _, seen := out[fe.Field()]; seen {
			continue
		}
		code, ok := tagCodes[fe.Tag()]
		if !ok {
			code = fe.Tag()
		}
		out[fe.Field()] = code
	}
	return out
}
