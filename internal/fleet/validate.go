package fleet

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var vehicleIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Validator checks reports before they reach the store.
type Validator struct {
	v           *validator.Validate
	maxSpeedKmh float64
}

// NewValidator returns a report validator. maxSpeedKmh <= 0 disables the
// upper speed bound.
func NewValidator(maxSpeedKmh float64) *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("vehicleid", func(fl validator.FieldLevel) bool {
		return vehicleIDPattern.MatchString(fl.Field().String())
	})
	return &Validator{v: v, maxSpeedKmh: maxSpeedKmh}
}

// Validate returns a *ValidationError describing every broken rule, or nil.
func (val *Validator) Validate(r Report) error {
	var msgs []string
	if err := val.v.Struct(r); err != nil {
		var ves validator.ValidationErrors
		if !errors.As(err, &ves) {
			return &ValidationError{Errors: []string{err.Error()}}
		}
		for _, fe := range ves {
			msgs = append(msgs, describe(fe))
		}
	}
	if val.maxSpeedKmh > 0 && r.Speed != nil && *r.Speed > val.maxSpeedKmh {
		msgs = append(msgs, fmt.Sprintf("speed must be between 0 and %g km/h", val.maxSpeedKmh))
	}
	if r.TimestampMs != nil && *r.TimestampMs/1000 != r.Timestamp {
		msgs = append(msgs, "timestamp_ms must be the same second as timestamp")
	}
	if len(msgs) > 0 {
		return &ValidationError{Errors: msgs}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "vehicleid":
		return fe.Field() + " may only contain letters, digits and '-'"
	case "gte":
		return fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be > %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", fe.Field(), fe.Param())
	case "lt":
		return fmt.Sprintf("%s must be < %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}
