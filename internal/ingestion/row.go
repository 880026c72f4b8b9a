package ingestion

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	ledger "solarshare/internal/ledger/domain"
)

// ErrEmptyUpload is returned when an upload carries no rows.
var ErrEmptyUpload = errors.New("ingestion: empty upload")

// Row is one uploaded energy line. Absent values stay nil.
type Row struct {
	Line               int              `json:"line,omitempty"`
	InstallationNumber string           `json:"installation_number" validate:"required,max=64"`
	Period             string           `json:"period" validate:"required,period"`
	Generation         *decimal.Decimal `json:"generation,omitempty" validate:"omitempty,kwh"`
	Consumption        *decimal.Decimal `json:"consumption,omitempty" validate:"omitempty,kwh"`
	Transferred        *decimal.Decimal `json:"transferred,omitempty" validate:"omitempty,kwh"`
	Received           *decimal.Decimal `json:"received,omitempty" validate:"omitempty,kwh"`
	Compensation       *decimal.Decimal `json:"compensation,omitempty" validate:"omitempty,kwh"`
}

// Rejection explains why a row was not accepted.
type Rejection struct {
	Line               int    `json:"line"`
	InstallationNumber string `json:"installation_number"`
	Period             string `json:"period"`
	Reason             string `json:"reason"`
}

// NewValidator returns a validator with the row tags registered.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})
	_ = v.RegisterValidation("period", func(fl validator.FieldLevel) bool {
		_, err := ledger.ParsePeriod(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("kwh", func(fl validator.FieldLevel) bool {
		value, err := decimal.NewFromString(fl.Field().String())
		return err == nil && !value.IsNegative()
	})
	return v
}

// Check validates the row and reports the first problem in plain words.
func (r Row) Check(v *validator.Validate) error {
	if err := v.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return ledger.NewValidationError(fe.Field(), describeTag(fe.Tag()))
		}
		return err
	}
	if r.Generation == nil && r.Consumption == nil && r.Transferred == nil && r.Received == nil && r.Compensation == nil {
		return ledger.NewValidationError("row", "no energy values")
	}
	return nil
}

// Reading converts a checked row for the resolved installation.
func (r Row) Reading(installationID string) (ledger.Reading, error) {
	period, err := ledger.ParsePeriod(r.Period)
	if err != nil {
		return ledger.Reading{}, err
	}
	reading := ledger.Reading{
		InstallationID: installationID,
		Period:         period,
		Generation:     nullable(r.Generation),
		Consumption:    nullable(r.Consumption),
		Transferred:    nullable(r.Transferred),
		Received:       nullable(r.Received),
		Compensation:   nullable(r.Compensation),
	}
	return reading, reading.Validate()
}

func nullable(v *decimal.Decimal) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *v, Valid: true}
}

func describeTag(tag string) string {
	switch tag {
	case "required":
		return "required"
	case "period":
		return "must be MM/YYYY"
	case "kwh":
		return "negative kWh"
	case "max":
		return "too long"
	default:
		return fmt.Sprintf("failed %s", tag)
	}
}
