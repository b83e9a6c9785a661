package validator

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/stemsi/exstem-candidate/internal/model"
)

// Limits enforced by answers_shape.
const (
	MaxAnswerValues = 64
	MaxAnswerLength = 10000
)

var examIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// trans is the singleton English translator for validation errors.
var trans ut.Translator

// Setup registers the validator with English translations and the custom exam tags on
// Gin's binding engine. Call once during application startup.
func Setup() {
	if v, ok := binding.Validator.Engine().(*govalidator.Validate); ok {
		// Use JSON tag name for field names in error messages.
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		_ = v.RegisterValidation("exam_id", validateExamID)
		_ = v.RegisterValidation("answers_shape", validateAnswersShape)

		// Register English translations.
		enLocale := en.New()
		uni := ut.New(enLocale, enLocale)
		trans, _ = uni.GetTranslator("en")
		en_translations.RegisterDefaultTranslations(v, trans)

		registerMessage(v, "exam_id", "{0} must be 1-64 letters, digits, '-' or '_'")
		registerMessage(v, "answers_shape", "{0} must map known question ids to at most 64 values of at most 10000 characters")
	}
}

func registerMessage(v *govalidator.Validate, tag, text string) {
	_ = v.RegisterTranslation(tag, trans,
		func(ut ut.Translator) error { return ut.Add(tag, text, true) },
		func(ut ut.Translator, fe govalidator.FieldError) string {
			msg, _ := ut.T(tag, fe.Field())
			return msg
		},
	)
}

// ValidExamID reports whether id is usable as an exam id and Redis key segment.
func ValidExamID(id string) bool {
	return examIDPattern.MatchString(id)
}

func validateExamID(fl govalidator.FieldLevel) bool {
	return ValidExamID(fl.Field().String())
}

func validateAnswersShape(fl govalidator.FieldLevel) bool {
	answers, ok := fl.Field().Interface().(model.AnswerDraft)
	if !ok {
		return false
	}
	return ValidAnswers(answers)
}

// ValidAnswers checks the structural limits of a submitted draft. Whether the keys belong to
// the exam is checked against the definition by the submission service.
func ValidAnswers(answers model.AnswerDraft) bool {
	for id, values := range answers {
		if !ValidExamID(id) || len(values) > MaxAnswerValues {
			return false
		}
		for _, v := range values {
			if len(v) > MaxAnswerLength {
				return false
			}
		}
	}
	return true
}

// TranslateErrors takes a binding/validation error and returns a map of
// field name → human-readable error message. If the error is not a
// validation error, it returns a single-key map with "detail".
func TranslateErrors(err error) map[string]string {
	fields := make(map[string]string)

	var ve govalidator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			fields[fe.Field()] = fe.Translate(trans)
		}
		return fields
	}

	// Not a validation error (e.g., JSON syntax error).
	fields["detail"] = err.Error()
	return fields
}

// Bind binds and validates the request body into dst.
// Returns nil on success or a translated field error map on failure.
func Bind(c *gin.Context, dst any) map[string]string {
	if err := c.ShouldBindJSON(dst); err != nil {
		return TranslateErrors(err)
	}
	return nil
}
