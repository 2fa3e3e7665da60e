package clix

import (
	"reflect"
	"time"

	"github.com/urfave/cli/v2"
)

// Parse populates a config struct of type A from a cli context. Fields are
// matched through the `cli` struct tag, untagged embedded structs are
// traversed recursively so subsystem configs can be composed into one
// daemon config.
func Parse[A any](c *cli.Context) A {

	var cfg A
	assign(c, reflect.ValueOf(&cfg).Elem())
	return cfg
}

func assign(c *cli.Context, val reflect.Value) {

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := val.Type().Field(i)

		tag := fieldType.Tag.Get("cli")

		if tag == "" && field.Kind() == reflect.Struct {
			if field.Addr().CanInterface() {
				assign(c, field)
			}
			continue
		}

		if tag == "" {
			continue
		}

		if field.Type() == reflect.TypeOf(time.Time{}) || field.Type() == reflect.PointerTo(reflect.TypeOf(time.Time{})) {
			t := c.Timestamp(tag)
			if t != nil {
				if field.Kind() == reflect.Ptr {
					field.Set(reflect.ValueOf(t))
				} else {
					field.Set(reflect.ValueOf(*t))
				}
			}
			continue
		}

		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			field.Set(reflect.ValueOf(c.Duration(tag)))
			continue
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
			switch field.Type() {
			case reflect.TypeOf([]string{}):
				field.Set(reflect.ValueOf(c.StringSlice(tag)))
			case reflect.TypeOf([]int{}):
				field.Set(reflect.ValueOf(c.IntSlice(tag)))
			case reflect.TypeOf([]int64{}):
				field.Set(reflect.ValueOf(c.Int64Slice(tag)))
			case reflect.TypeOf([]uint{}):
				field.Set(reflect.ValueOf(c.UintSlice(tag)))
			case reflect.TypeOf([]uint64{}):
				field.Set(reflect.ValueOf(c.Uint64Slice(tag)))
			case reflect.TypeOf([]float64{}):
				field.Set(reflect.ValueOf(c.Float64Slice(tag)))
			}
		}
	}
}
