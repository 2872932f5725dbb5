package validator

import (
	"errors"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FieldError is the client facing form of a failed rule.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

var messages = map[string]string{
	"required": "Field is required",
	"nefield":  "Must differ from the source account",
	"dgt0":     "Amount must be positive",
	"dscale2":  "Amount supports at most two decimal places",
}

// Register installs the money rules on v. Decimal fields are validated as
// their string form so tags run on them like on any scalar.
func Register(v *validator.Validate) error {
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	// Ids compare as strings; the nil id counts as missing.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if id, ok := field.Interface().(uuid.UUID); ok && id != uuid.Nil {
			return id.String()
		}
		return nil
	}, uuid.UUID{})

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	if err := v.RegisterValidation("dgt0", positiveDecimal); err != nil {
		return err
	}
	return v.RegisterValidation("dscale2", maxTwoPlaces)
}

// RegisterGin installs the rules on gin's binding engine.
func RegisterGin() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return errors.New("gin binding engine is not go-playground/validator")
	}
	return Register(v)
}

// New returns a standalone validator with the rules installed.
func New() *validator.Validate {
	v := validator.New()
	if err := Register(v); err != nil {
		panic(err)
	}
	return v
}

// FormatErrors flattens validator errors. Other errors become one entry.
func FormatErrors(err error) []FieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Field: "body", Message: err.Error()}}
	}

	out := make([]FieldError, 0, len(verrs))
	for _, e := range verrs {
		msg := messages[e.Tag()]
		if msg == "" {
			msg = e.Error()
		}
		out = append(out, FieldError{Field: e.Field(), Message: msg})
	}
	return out
}

func parse(fl validator.FieldLevel) (decimal.Decimal, bool) {
	s, ok := fl.Field().Interface().(string)
	if !ok {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func positiveDecimal(fl validator.FieldLevel) bool {
	d, ok := parse(fl)
	return ok && d.IsPositive()
}

func maxTwoPlaces(fl validator.FieldLevel) bool {
	d, ok := parse(fl)
	return ok && d.Equal(d.Truncate(2))
}
