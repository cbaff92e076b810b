package validation

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)

// Validator checks records against their struct tags. Decimal fields are
// compared numerically so tags like gt=0 apply to money values.
type Validator struct {
	validator *validator.Validate
	logger    *zap.Logger
}

// NewValidator creates a new validator instance
func NewValidator(logger *zap.Logger) *Validator {
	v := validator.New()

	validator := &Validator{
		validator: v,
		logger:    logger,
	}

	validator.registerCustomTypes()
	validator.registerCustomValidators()

	return validator
}

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "validation failed"
	}
	msgs := make([]string, 0, len(ve))
	for _, e := range ve {
		msgs = append(msgs, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

// ValidateStruct validates a struct using struct tags
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validator.Struct(s)
	if err == nil {
		return nil
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	var validationErrs ValidationErrors
	for _, err := range fieldErrs {
		validationErrs = append(validationErrs, ValidationError{
			Field:   err.Field(),
			Tag:     err.Tag(),
			Value:   fmt.Sprintf("%v", err.Value()),
			Message: v.getErrorMessage(err),
		})
	}

	return validationErrs
}

// ValidateCurrency normalizes and validates an ISO 4217 style code
func (v *Validator) ValidateCurrency(currency string) (string, error) {
	currency = strings.TrimSpace(strings.ToUpper(currency))
	if currency == "" {
		return "", fmt.Errorf("currency cannot be empty")
	}
	if !currencyRegex.MatchString(currency) {
		return "", fmt.Errorf("currency code must be three letters")
	}
	return currency, nil
}

func (v *Validator) registerCustomTypes() {
	v.validator.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})

	// Invalid NullDecimal values read as nil so omitempty skips them.
	v.validator.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.NullDecimal); ok && d.Valid {
			return d.Decimal.InexactFloat64()
		}
		return nil
	}, decimal.NullDecimal{})
}

func (v *Validator) registerCustomValidators() {
	v.validator.RegisterValidation("currency_code", func(fl validator.FieldLevel) bool {
		return currencyRegex.MatchString(fl.Field().String())
	})
}

// getErrorMessage returns a human-readable error message for validation errors
func (v *Validator) getErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters long", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "currency_code":
		return fmt.Sprintf("%s must be a valid currency code", fe.Field())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
