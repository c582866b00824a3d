package grc

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/eugenenazirov/grc/pkg/backend"
)

var (
	updaterType  = reflect.TypeOf((*Updater)(nil)).Elem()
	setterType   = reflect.TypeOf((*Setter)(nil)).Elem()
	durationType = reflect.TypeOf(time.Duration(0))
)

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

var dynamicHints = map[reflect.Type]string{
	typeOf[String]():   "string",
	typeOf[Bool]():     "bool",
	typeOf[Int]():      "int",
	typeOf[Uint]():     "uint",
	typeOf[Float]():    "float",
	typeOf[Duration](): "duration",
	typeOf[Slice]():    "slice",
	typeOf[Map]():      "map",
}

type applyMode int

const (
	// modeInit may allocate pointers and sets every kind of field.
	modeInit applyMode = iota
	// modeUpdate only touches dynamic values.
	modeUpdate
)

func derefType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

func isDynamic(t reflect.Type) bool {
	t = derefType(t)
	return reflect.PointerTo(t).Implements(updaterType)
}

func isSetter(t reflect.Type) bool {
	t = derefType(t)
	return reflect.PointerTo(t).Implements(setterType)
}

func checkSupported(t reflect.Type, depth int) error {
	t = derefType(t)
	if isDynamic(t) {
		if depth > 0 {
			return ErrNestedDynamic
		}
		return nil
	}
	if isSetter(t) {
		return nil
	}

	switch t.Kind() {
	case reflect.String,
		reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return nil
	case reflect.Slice, reflect.Array:
		if depth > 1 {
			return ErrExceedDepth
		}
		return checkSupported(t.Elem(), depth+1)
	case reflect.Map:
		if depth > 1 {
			return ErrExceedDepth
		}
		if err := checkSupported(t.Key(), 2); err != nil {
			return err
		}
		return checkSupported(t.Elem(), depth+1)
	default:
		return &UnsupportedTypeError{Type: t}
	}
}

func isSliceOrMap(t reflect.Type) bool {
	t = derefType(t)
	switch t.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return true
	default:
		return t == typeOf[Slice]() || t == typeOf[Map]()
	}
}

func isGroup(t reflect.Type) bool {
	t = derefType(t)
	return t.Kind() == reflect.Struct && !isDynamic(t) && !isSetter(t)
}

func hintType(t reflect.Type) string {
	t = derefType(t)
	if hint, ok := dynamicHints[t]; ok {
		return hint
	}
	if isSetter(t) {
		return "string"
	}
	if t == durationType {
		return "duration"
	}
	switch t.Kind() {
	case reflect.Bool:
		return "bool"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "int"
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "uint"
	case reflect.Float32, reflect.Float64:
		return "float"
	case reflect.Slice, reflect.Array:
		return "slice"
	case reflect.Map:
		return "map"
	default:
		return "string"
	}
}

// formatDefaultValue promotes a flat "," default of a list or map field to the
// top level separator.
func formatDefaultValue(t reflect.Type, tag reflect.StructTag) string {
	val := tag.Get("default")
	if isSliceOrMap(t) && !strings.Contains(val, listSep) {
		val = strings.ReplaceAll(val, nestedSep, listSep)
	}
	return val
}

func parseConfig(t reflect.Type, baseName string) (backend.ConfigItems, error) {
	t = derefType(t)
	if t.Kind() != reflect.Struct {
		return nil, &UnsupportedTypeError{Field: strings.TrimSuffix(baseName, "/"), Type: t}
	}

	items := backend.ConfigItems{}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := baseName + field.Name

		if isGroup(field.Type) {
			nested, err := parseConfig(field.Type, name+"/")
			if err != nil {
				return nil, err
			}
			items.Add(nested)
			continue
		}

		if err := checkSupported(field.Type, 0); err != nil {
			var ute *UnsupportedTypeError
			if errors.As(err, &ute) {
				ute.Field = name
				return nil, ute
			}
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		items[name] = &backend.ConfigItem{
			Type:     strings.ReplaceAll(field.Type.String(), "*", ""),
			HintType: hintType(field.Type),
			Value:    formatDefaultValue(field.Type, field.Tag),
			Comment:  field.Tag.Get("comment"),
		}
	}
	return items, nil
}

// configElem dereferences v down to the config struct, allocating nil
// intermediate pointers.
func configElem(v reflect.Value) (reflect.Value, bool) {
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			if !v.CanSet() {
				return reflect.Value{}, false
			}
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	return v, v.Kind() == reflect.Struct
}

// resolveField walks a Parent/Child path from root. Nil struct pointers are
// allocated in modeInit only.
func resolveField(root reflect.Value, path string, mode applyMode) (reflect.Value, bool) {
	v := root
	for _, name := range strings.Split(path, "/") {
		for v.Kind() == reflect.Ptr && isGroup(v.Type()) {
			if v.IsNil() {
				if mode != modeInit {
					return reflect.Value{}, false
				}
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, false
		}
		v = v.FieldByName(name)
		if !v.IsValid() {
			return reflect.Value{}, false
		}
	}
	return v, true
}

// assign stores s into v. It reports whether v was updated.
func assign(s string, v reflect.Value, nested bool, mode applyMode) (bool, error) {
	if u, ok := asUpdater(v, mode == modeInit); ok {
		return true, u.AtomicUpdate(s)
	}
	if mode == modeUpdate {
		return false, nil
	}
	if st, ok := asSetter(v); ok {
		return true, st.Set(s)
	}
	return true, setSystemTypeValue(s, v, nested)
}

func asUpdater(v reflect.Value, alloc bool) (Updater, bool) {
	if v.Kind() == reflect.Ptr {
		if !v.Type().Implements(updaterType) {
			return nil, false
		}
		if v.IsNil() {
			if !alloc || !v.CanSet() {
				return nil, false
			}
			v.Set(reflect.New(v.Type().Elem()))
		}
		u, ok := v.Interface().(Updater)
		return u, ok
	}
	if v.CanAddr() && v.Addr().CanInterface() {
		u, ok := v.Addr().Interface().(Updater)
		return u, ok
	}
	return nil, false
}

func asSetter(v reflect.Value) (Setter, bool) {
	if v.Kind() == reflect.Ptr {
		if !v.Type().Implements(setterType) {
			return nil, false
		}
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		st, ok := v.Interface().(Setter)
		return st, ok
	}
	if v.CanAddr() && v.Addr().CanInterface() {
		st, ok := v.Addr().Interface().(Setter)
		return st, ok
	}
	return nil, false
}

func setSystemTypeValue(s string, v reflect.Value, nested bool) error {
	sep := listSep
	if nested {
		sep = nestedSep
	}

	switch v.Kind() {
	case reflect.Ptr:
		e := reflect.New(v.Type().Elem())
		if _, err := assign(s, e.Elem(), nested, modeInit); err != nil {
			return err
		}
		v.Set(e)
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		b, err := parseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var (
			iv  int64
			err error
		)
		if v.Type() == durationType {
			var d time.Duration
			d, err = parseDuration(s)
			iv = int64(d)
		} else {
			iv, err = parseInt(s)
		}
		if err != nil {
			return err
		}
		if v.OverflowInt(iv) {
			return fmt.Errorf("grc: %s overflows %s", s, v.Type())
		}
		v.SetInt(iv)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		uv, err := parseUint(s)
		if err != nil {
			return err
		}
		if v.OverflowUint(uv) {
			return fmt.Errorf("grc: %s overflows %s", s, v.Type())
		}
		v.SetUint(uv)
	case reflect.Float32, reflect.Float64:
		fv, err := parseFloat(s)
		if err != nil {
			return err
		}
		v.SetFloat(fv)
	case reflect.Slice:
		fields := splitList(s, sep)
		sv := reflect.MakeSlice(v.Type(), len(fields), len(fields))
		for i, field := range fields {
			if _, err := assign(field, sv.Index(i), true, modeInit); err != nil {
				return err
			}
		}
		v.Set(sv)
	case reflect.Array:
		fields := splitList(s, sep)
		v.Set(reflect.Zero(v.Type()))
		for i := 0; i < len(fields) && i < v.Len(); i++ {
			if _, err := assign(fields[i], v.Index(i), true, modeInit); err != nil {
				return err
			}
		}
	case reflect.Map:
		pairs := splitList(s, sep)
		mv := reflect.MakeMapWithSize(v.Type(), len(pairs))
		for _, pair := range pairs {
			key, val, found := strings.Cut(pair, pairSep)
			k := reflect.New(v.Type().Key()).Elem()
			e := reflect.New(v.Type().Elem()).Elem()
			if _, err := assign(key, k, true, modeInit); err != nil {
				return err
			}
			if found {
				if _, err := assign(val, e, true, modeInit); err != nil {
					return err
				}
			}
			mv.SetMapIndex(k, e)
		}
		v.Set(mv)
	default:
		return &UnsupportedTypeError{Type: v.Type()}
	}
	return nil
}
