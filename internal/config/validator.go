package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var deviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Validator validates configuration values
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a validator with the devq-specific rules registered.
func NewValidator() *Validator {
	validate := validator.New(validator.WithRequiredStructEnabled())

	_ = validate.RegisterValidation("devicename", func(fl validator.FieldLevel) bool {
		return deviceNamePattern.MatchString(fl.Field().String())
	})

	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		d := sl.Current().Interface().(DeviceConfig)
		if d.Type == "display" && len(d.FaultyProtocols) > 0 {
			sl.ReportError(d.FaultyProtocols, "FaultyProtocols", "faulty_protocols", "labonly", "")
		}
		if d.Type == "display" && d.MeasureLatency > 0 {
			sl.ReportError(d.MeasureLatency, "MeasureLatency", "measure_latency", "labonly", "")
		}
	}, DeviceConfig{})

	return &Validator{validate: validate}
}

// Struct validates a config struct and flattens validation failures into
// one readable error.
func (v *Validator) Struct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, describe(fe))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(details, "; "))
}

// ValidateLogLevel validates a log level
func (v *Validator) ValidateLogLevel(level string) error {
	return v.validate.Var(level, "oneof=debug info warn error")
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "unique":
		return fmt.Sprintf("%s must have unique %s values", field, fe.Param())
	case "devicename":
		return fmt.Sprintf("%s %q is not a valid device name", field, fe.Value())
	case "labonly":
		return fmt.Sprintf("%s is only valid for lab devices", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be host:port, got %q", field, fe.Value())
	default:
		return fmt.Sprintf("field '%s' failed on the '%s' tag", field, fe.Tag())
	}
}
