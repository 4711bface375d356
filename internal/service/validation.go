package service

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/matt-riley/formz/internal/core"
)

// ErrInvalidInput is matched by every [ValidationError].
var ErrInvalidInput = errors.New("invalid input")

// ValidationError reports the fields of a request that failed validation,
// keyed by JSON field name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Fields[name]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// inputValidator validates request structs and translates failures into
// English field messages.
type inputValidator struct {
	validate *validator.Validate
	trans    ut.Translator
}

func newInputValidator() *inputValidator {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	enLocale := en.New()
	uni := ut.New(enLocale, enLocale)
	trans, _ := uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, trans)

	_ = validate.RegisterValidation("questiontype", func(fl validator.FieldLevel) bool {
		return core.QuestionType(fl.Field().String()).Valid()
	})
	_ = validate.RegisterTranslation("questiontype", trans,
		func(ut ut.Translator) error {
			return ut.Add("questiontype", "{0} must be a known question type", true)
		},
		func(ut ut.Translator, fe validator.FieldError) string {
			msg, _ := ut.T("questiontype", fe.Field())
			return msg
		},
	)

	return &inputValidator{validate: validate, trans: trans}
}

// Struct validates input. Failures are returned as a *ValidationError.
func (v *inputValidator) Struct(input any) error {
	err := v.validate.Struct(input)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	fields := make(map[string]string, len(fieldErrors))
	for _, fe := range fieldErrors {
		fields[fieldPath(fe.Namespace())] = fe.Translate(v.trans)
	}
	return &ValidationError{Fields: fields}
}

// fieldPath drops the struct name validator puts in front of the namespace.
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

func fieldError(field, message string) error {
	return &ValidationError{Fields: map[string]string{field: message}}
}
