package feeders

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/golobby/cast"
)

var durationType = reflect.TypeOf(time.Duration(0))

// AffixedEnvFeeder reads environment variables named PREFIX_<TAG>. Nested
// structs extend the prefix with their own env tag, so the field tagged
// `env:"INTERVAL"` inside a struct tagged `env:"HEALTH"` is read from
// PREFIX_HEALTH_INTERVAL.
type AffixedEnvFeeder struct {
	Prefix string
}

// NewAffixedEnvFeeder creates a new AffixedEnvFeeder with the specified prefix
func NewAffixedEnvFeeder(prefix string) AffixedEnvFeeder {
	return AffixedEnvFeeder{Prefix: prefix}
}

// Feed reads environment variables and populates the provided structure
func (f AffixedEnvFeeder) Feed(structure any) error {
	rv := reflect.ValueOf(structure)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w, got %T", ErrEnvInvalidStructure, structure)
	}
	prefix := strings.TrimSuffix(strings.ToUpper(f.Prefix), "_")
	if prefix == "" {
		return ErrEnvEmptyPrefix
	}
	return processStructFields(rv.Elem(), prefix)
}

// processStructFields iterates through struct fields
func processStructFields(rv reflect.Value, prefix string) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)
		if !fieldType.IsExported() {
			continue
		}
		envTag, hasTag := fieldType.Tag.Lookup("env")
		if envTag == "-" {
			continue
		}

		if field.Kind() == reflect.Struct && field.Type() != durationType {
			nested := prefix
			if hasTag && envTag != "" {
				nested = prefix + "_" + strings.ToUpper(envTag)
			}
			if err := processStructFields(field, nested); err != nil {
				return err
			}
			continue
		}
		if !hasTag || envTag == "" {
			continue
		}

		name := prefix + "_" + strings.ToUpper(envTag)
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("error in field '%s' (%s): %w", fieldType.Name, name, err)
		}
	}
	return nil
}

// setFieldValue converts and sets a field value. Slices are read as comma
// separated lists.
func setFieldValue(field reflect.Value, strValue string) error {
	if !field.CanSet() {
		return ErrEnvFieldCannotBeSet
	}

	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(strValue)
		if err != nil {
			return fmt.Errorf("%w %q to duration: %w", ErrEnvConversion, strValue, err)
		}
		field.SetInt(int64(d))
		return nil
	case field.Kind() == reflect.Slice:
		parts := strings.Split(strValue, ",")
		slice := reflect.MakeSlice(field.Type(), 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			elem, err := cast.FromType(part, field.Type().Elem())
			if err != nil {
				return fmt.Errorf("%w %q to %v: %w", ErrEnvConversion, part, field.Type().Elem(), err)
			}
			slice = reflect.Append(slice, reflect.ValueOf(elem).Convert(field.Type().Elem()))
		}
		field.Set(slice)
		return nil
	case field.Kind() == reflect.Map, field.Kind() == reflect.Pointer, field.Kind() == reflect.Interface:
		return fmt.Errorf("%w: %v", ErrEnvUnsupportedType, field.Type())
	}

	converted, err := cast.FromType(strValue, field.Type())
	if err != nil {
		return fmt.Errorf("%w %q to %v: %w", ErrEnvConversion, strValue, field.Type(), err)
	}
	field.Set(reflect.ValueOf(converted).Convert(field.Type()))
	return nil
}
