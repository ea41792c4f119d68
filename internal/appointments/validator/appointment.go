package validator

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"slotboard/pkg/logger"
	"slotboard/pkg/model"

	"github.com/go-playground/validator/v10"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

var (
	dateRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timeRegex = regexp.MustCompile(`^\d{2}:\d{2}$`)
)

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ""
	}
	var messages []string
	for _, err := range v {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %d error(s): [%s]", len(v), strings.Join(messages, "; "))
}

// Details flattens the errors into a field -> message map for API responses.
func (v ValidationErrors) Details() map[string]any {
	details := make(map[string]any, len(v))
	for _, err := range v {
		details[err.Field] = err.Message
	}
	return details
}

type AppointmentValidator struct {
	validate *validator.Validate
	logger   *logger.Logger
}

func NewAppointmentValidator(log *logger.Logger) *AppointmentValidator {
	v := validator.New()

	if err := v.RegisterValidation("slotdate", validateSlotDate); err != nil {
		log.Fatal("Failed to register 'slotdate' validator", "error", err)
	}
	if err := v.RegisterValidation("slottime", validateSlotTime); err != nil {
		log.Fatal("Failed to register 'slottime' validator", "error", err)
	}

	return &AppointmentValidator{
		validate: v,
		logger:   log,
	}
}

// IsDate reports whether s is a real calendar date in YYYY-MM-DD form.
func IsDate(s string) bool {
	if !dateRegex.MatchString(s) {
		return false
	}
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

// IsTime reports whether s is a wall clock time in HH:MM form.
func IsTime(s string) bool {
	if !timeRegex.MatchString(s) {
		return false
	}
	_, err := time.Parse(TimeLayout, s)
	return err == nil
}

func validateSlotDate(fl validator.FieldLevel) bool {
	return IsDate(fl.Field().String())
}

func validateSlotTime(fl validator.FieldLevel) bool {
	return IsTime(fl.Field().String())
}

func (v *AppointmentValidator) ValidateRequest(req *model.AppointmentRequest) error {
	return v.check(req)
}

func (v *AppointmentValidator) ValidateSlot(slot model.Slot) error {
	return v.check(slot)
}

func (v *AppointmentValidator) ValidateIdentity(identity *model.Identity) error {
	return v.check(identity)
}

// ValidateClientMessage checks an inbound event channel message. A select
// must carry a valid slot; a clear carries none.
func (v *AppointmentValidator) ValidateClientMessage(msg *model.ClientMessage) error {
	if err := v.check(msg); err != nil {
		return err
	}
	if msg.Kind == model.ClientSlotSelect {
		return v.ValidateSlot(msg.Slot())
	}
	return nil
}

func (v *AppointmentValidator) check(s any) error {
	if err := v.validate.Struct(s); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			return v.translateValidationErrors(validationErrs)
		}
		return err
	}
	return nil
}

func (v *AppointmentValidator) translateValidationErrors(errs validator.ValidationErrors) ValidationErrors {
	var validationErrors ValidationErrors

	for _, err := range errs {
		message := err.Error()

		switch err.Tag() {
		case "required":
			message = fmt.Sprintf("%s is required", err.Field())
		case "min":
			message = fmt.Sprintf("%s must be at least %s characters", err.Field(), err.Param())
		case "max":
			message = fmt.Sprintf("%s must be at most %s characters", err.Field(), err.Param())
		case "email":
			message = fmt.Sprintf("%s must be a valid email address", err.Field())
		case "oneof":
			message = fmt.Sprintf("%s must be one of: %s", err.Field(), err.Param())
		case "slotdate":
			message = fmt.Sprintf("%s must be a date in YYYY-MM-DD format", err.Field())
		case "slottime":
			message = fmt.Sprintf("%s must be a time in HH:MM format", err.Field())
		}

		validationErrors = append(validationErrors, ValidationError{
			Field:   err.Field(),
			Message: message,
		})
	}

	return validationErrors
}
