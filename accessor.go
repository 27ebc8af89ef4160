package zorel

import (
	"database/sql"
	"fmt"
	"reflect"

	"github.com/spf13/cast"
)

// ReflectAccessor reads and writes struct fields by Go name or column name, and
// keys of Record entities.
type ReflectAccessor struct{}

// DefaultAccessor is the accessor used when a repository does not supply one.
var DefaultAccessor FieldAccessor = ReflectAccessor{}

func (ReflectAccessor) GetField(entity any, name string) (any, error) {
	switch e := entity.(type) {
	case Record:
		return e[name], nil
	case map[string]any:
		return e[name], nil
	}

	fv, err := structField(entity, name)
	if err != nil {
		return nil, err
	}
	return fieldValue(fv), nil
}

func (ReflectAccessor) SetField(entity any, name string, value any) error {
	switch e := entity.(type) {
	case Record:
		e[name] = value
		return nil
	case map[string]any:
		e[name] = value
		return nil
	}

	fv, err := structField(entity, name)
	if err != nil {
		return err
	}
	if err := assign(fv, value); err != nil {
		return fmt.Errorf("zorel: set %s on %T: %w", name, entity, err)
	}
	return nil
}

func structField(entity any, name string) (reflect.Value, error) {
	rv := reflect.ValueOf(entity)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return reflect.Value{}, fmt.Errorf("%w: %T is not a pointer to a struct", ErrNilEntity, entity)
	}
	info, err := ParseModelType(rv.Type())
	if err != nil {
		return reflect.Value{}, err
	}
	f, ok := info.Lookup(name)
	if !ok {
		return reflect.Value{}, fmt.Errorf("%w: %s on %s", ErrUnknownField, name, info.Type)
	}
	return rv.Elem().FieldByIndex(f.Index), nil
}

// fieldValue unwraps nullable scalars so keys compare by value.
func fieldValue(fv reflect.Value) any {
	switch fv.Kind() {
	case reflect.Pointer:
		if fv.IsNil() {
			return nil
		}
		if fv.Elem().Kind() != reflect.Struct {
			return fv.Elem().Interface()
		}
	case reflect.Interface:
		if fv.IsNil() {
			return nil
		}
		return fv.Elem().Interface()
	}
	return fv.Interface()
}

// assign stores v into dst, converting between the loose types drivers return
// and the field's declared type.
func assign(dst reflect.Value, v any) error {
	if isNil(v) {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}

	src := reflect.ValueOf(v)
	t := dst.Type()

	if src.Type().AssignableTo(t) {
		dst.Set(src)
		return nil
	}

	if dst.CanAddr() {
		if scanner, ok := dst.Addr().Interface().(sql.Scanner); ok {
			return scanner.Scan(driverValue(v))
		}
	}

	switch {
	case t.Kind() == reflect.Pointer:
		nv := reflect.New(t.Elem())
		if err := assign(nv.Elem(), v); err != nil {
			return err
		}
		dst.Set(nv)
		return nil
	case src.Kind() == reflect.Pointer:
		return assign(dst, src.Elem().Interface())
	case t.Kind() == reflect.Slice && t.Elem().Kind() != reflect.Uint8 &&
		(src.Kind() == reflect.Slice || src.Kind() == reflect.Array):
		out := reflect.MakeSlice(t, src.Len(), src.Len())
		for i := 0; i < src.Len(); i++ {
			if err := assign(out.Index(i), src.Index(i).Interface()); err != nil {
				return err
			}
		}
		dst.Set(out)
		return nil
	}

	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := cast.ToInt64E(v)
		if err != nil {
			return err
		}
		dst.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := cast.ToUint64E(v)
		if err != nil {
			return err
		}
		dst.SetUint(n)
		return nil
	case reflect.Float32, reflect.Float64:
		n, err := cast.ToFloat64E(v)
		if err != nil {
			return err
		}
		dst.SetFloat(n)
		return nil
	case reflect.Bool:
		b, err := cast.ToBoolE(v)
		if err != nil {
			return err
		}
		dst.SetBool(b)
		return nil
	case reflect.String:
		s, err := cast.ToStringE(v)
		if err != nil {
			return err
		}
		dst.SetString(s)
		return nil
	case reflect.Struct:
		if t == timeType {
			tm, err := cast.ToTimeE(v)
			if err != nil {
				return err
			}
			dst.Set(reflect.ValueOf(tm))
			return nil
		}
	}

	if src.Type().ConvertibleTo(t) {
		dst.Set(src.Convert(t))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", v, t)
}

// driverValue reduces v to something a sql.Scanner accepts.
func driverValue(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	}
	return v
}
