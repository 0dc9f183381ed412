package clix

import (
	"reflect"
	"time"

	"github.com/urfave/cli/v2"
)

var timeType = reflect.TypeOf(time.Time{})
var durationType = reflect.TypeOf(time.Duration(0))

// Parse builds an A from the flags of c. Fields are bound by their `cli:"flag-name"` tag,
// untagged struct fields are walked recursively so component configs can be embedded.
func Parse[A any](c *cli.Context) A {
	var cfg A
	Into(c, &cfg)
	return cfg
}

// Into binds the flags of c onto the struct pointed to by v. Flags that are not set
// keep their default value, fields with unsupported types are left untouched.
func Into(c *cli.Context, v any) {
	bind(c, reflect.ValueOf(v).Elem())
}

func bind(c *cli.Context, val reflect.Value) {
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := val.Type().Field(i)
		if !fieldType.IsExported() {
			continue
		}

		tag := fieldType.Tag.Get("cli")
		if tag == "" {
			if field.Kind() == reflect.Struct && field.Type() != timeType {
				bind(c, field)
			}
			continue
		}
		setField(c, tag, field)
	}
}

func setField(c *cli.Context, tag string, field reflect.Value) {
	switch field.Type() {
	case timeType:
		if t := c.Timestamp(tag); t != nil {
			field.Set(reflect.ValueOf(*t))
		}
		return
	case reflect.PointerTo(timeType):
		if t := c.Timestamp(tag); t != nil {
			field.Set(reflect.ValueOf(t))
		}
		return
	case durationType:
		field.SetInt(int64(c.Duration(tag)))
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(c.String(tag))
	case reflect.Int:
		field.SetInt(int64(c.Int(tag)))
	case reflect.Int64:
		field.SetInt(c.Int64(tag))
	case reflect.Uint:
		field.SetUint(uint64(c.Uint(tag)))
	case reflect.Uint64:
		field.SetUint(c.Uint64(tag))
	case reflect.Bool:
		field.SetBool(c.Bool(tag))
	case reflect.Float64:
		field.SetFloat(c.Float64(tag))
	case reflect.Slice:
		var s any
		switch field.Type().Elem().Kind() {
		case reflect.String:
			s = c.StringSlice(tag)
		case reflect.Int:
			s = c.IntSlice(tag)
		case reflect.Int64:
			s = c.Int64Slice(tag)
		case reflect.Uint:
			s = c.UintSlice(tag)
		case reflect.Uint64:
			s = c.Uint64Slice(tag)
		case reflect.Float64:
			s = c.Float64Slice(tag)
		default:
			return
		}
		sv := reflect.ValueOf(s)
		if sv.Type().ConvertibleTo(field.Type()) {
			field.Set(sv.Convert(field.Type()))
		}
	}
}
