package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/integrahub/docflow/internal/dferr"
	"github.com/integrahub/docflow/internal/transform"
)

// FieldDesc describes one mappable column of an entity: the coercion type
// applied to the extracted value and the typed setter. Descriptor tables
// make the mappable surface of each entity explicit; a rule naming an
// unknown target_field fails fast instead of probing struct fields.
type FieldDesc[E any] struct {
	Type   transform.TargetType
	Assign func(e *E, v any) error
}

// Typed accessors over transform.Convert results. Convert documents its
// concrete return types; anything else is a wiring bug surfaced as a
// TransformError.

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", dferr.New(dferr.KindTransform, "expected string, got %T", v)
	}
	return s, nil
}

func asInt64(v any) (int64, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, dferr.New(dferr.KindTransform, "expected integer, got %T", v)
	}
	return n, nil
}

func asDecimal(v any) (decimal.Decimal, error) {
	d, ok := v.(decimal.Decimal)
	if !ok {
		return decimal.Decimal{}, dferr.New(dferr.KindTransform, "expected decimal, got %T", v)
	}
	return d, nil
}

func asTime(v any) (time.Time, error) {
	t, ok := v.(time.Time)
	if !ok {
		return time.Time{}, dferr.New(dferr.KindTransform, "expected date, got %T", v)
	}
	return t, nil
}

// Setter constructors shared by the entity tables.

func stringField[E any](set func(e *E, s string)) FieldDesc[E] {
	return FieldDesc[E]{Type: transform.TypeString, Assign: func(e *E, v any) error {
		s, err := asString(v)
		if err != nil {
			return err
		}
		set(e, s)
		return nil
	}}
}

func longField[E any](set func(e *E, n int64)) FieldDesc[E] {
	return FieldDesc[E]{Type: transform.TypeLong, Assign: func(e *E, v any) error {
		n, err := asInt64(v)
		if err != nil {
			return err
		}
		set(e, n)
		return nil
	}}
}

func decimalField[E any](set func(e *E, d decimal.Decimal)) FieldDesc[E] {
	return FieldDesc[E]{Type: transform.TypeDecimal, Assign: func(e *E, v any) error {
		d, err := asDecimal(v)
		if err != nil {
			return err
		}
		set(e, d)
		return nil
	}}
}

func dateField[E any](set func(e *E, t *time.Time)) FieldDesc[E] {
	return FieldDesc[E]{Type: transform.TypeDate, Assign: func(e *E, v any) error {
		t, err := asTime(v)
		if err != nil {
			return err
		}
		set(e, &t)
		return nil
	}}
}
