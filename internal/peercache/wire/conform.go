package wire

import "reflect"

// conform turns a decoded value into a value of type to. Decoded leaves come
// back in their canonical type and objects as pointers, so conform widens,
// narrows (with range checks), dereferences and wraps as needed.
func conform(src reflect.Value, to reflect.Type) (reflect.Value, error) {
	if to == nil {
		return src, nil
	}
	if !src.IsValid() {
		return reflect.Zero(to), nil
	}
	if src.Kind() == reflect.Interface {
		if src.IsNil() {
			return reflect.Zero(to), nil
		}
		src = src.Elem()
	}
	st := src.Type()
	if st == to {
		return src, nil
	}

	if to.Kind() == reflect.Interface {
		if !st.Implements(to) {
			return reflect.Value{}, mismatch(st, to)
		}
		out := reflect.New(to).Elem()
		out.Set(src)
		return out, nil
	}
	if st.AssignableTo(to) {
		out := reflect.New(to).Elem()
		out.Set(src)
		return out, nil
	}

	switch {
	case st.Kind() == reflect.Pointer && to.Kind() != reflect.Pointer:
		if src.IsNil() {
			return reflect.Zero(to), nil
		}
		return conform(src.Elem(), to)
	case to.Kind() == reflect.Pointer && st.Kind() != reflect.Pointer:
		elem, err := conform(src, to.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(to.Elem())
		p.Elem().Set(elem)
		return p, nil
	}

	if cls, ok := scalarClass(st.Kind()); ok {
		if toCls, ok := scalarClass(to.Kind()); ok {
			return convertScalar(src, cls, to, toCls)
		}
	}

	switch to.Kind() {
	case reflect.Slice:
		if st.Kind() != reflect.Slice && st.Kind() != reflect.Array {
			break
		}
		out := reflect.MakeSlice(to, src.Len(), src.Len())
		for i := 0; i < src.Len(); i++ {
			v, err := conform(src.Index(i), to.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(v)
		}
		return out, nil
	case reflect.Array:
		if st.Kind() != reflect.Slice && st.Kind() != reflect.Array {
			break
		}
		out := reflect.New(to).Elem()
		for i := 0; i < src.Len() && i < to.Len(); i++ {
			v, err := conform(src.Index(i), to.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(v)
		}
		return out, nil
	case reflect.Map:
		if st.Kind() != reflect.Slice {
			break
		}
		out := reflect.MakeMapWithSize(to, src.Len())
		for i := 0; i < src.Len(); i++ {
			item := src.Index(i)
			if item.Kind() == reflect.Interface {
				item = item.Elem()
			}
			kv, ok := item.Interface().(*KeyValue)
			if !ok || kv == nil {
				return reflect.Value{}, mismatch(st, to)
			}
			if err := putEntry(out, kv); err != nil {
				return reflect.Value{}, err
			}
		}
		return out, nil
	}
	return reflect.Value{}, mismatch(st, to)
}

func putEntry(m reflect.Value, kv *KeyValue) error {
	k, err := conform(reflect.ValueOf(kv.Key), m.Type().Key())
	if err != nil {
		return err
	}
	v, err := conform(reflect.ValueOf(kv.Value), m.Type().Elem())
	if err != nil {
		return err
	}
	m.SetMapIndex(k, v)
	return nil
}

type class uint8

const (
	classBool class = iota
	classInt
	classUint
	classFloat
	classString
)

func scalarClass(k reflect.Kind) (class, bool) {
	switch k {
	case reflect.Bool:
		return classBool, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return classInt, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return classUint, true
	case reflect.Float32, reflect.Float64:
		return classFloat, true
	case reflect.String:
		return classString, true
	}
	return 0, false
}

func convertScalar(src reflect.Value, from class, to reflect.Type, toCls class) (reflect.Value, error) {
	out := reflect.New(to).Elem()
	switch {
	case from == toCls:
		switch from {
		case classInt:
			if out.OverflowInt(src.Int()) {
				return reflect.Value{}, overflow(src, to)
			}
			out.SetInt(src.Int())
		case classUint:
			if out.OverflowUint(src.Uint()) {
				return reflect.Value{}, overflow(src, to)
			}
			out.SetUint(src.Uint())
		case classFloat:
			if out.OverflowFloat(src.Float()) {
				return reflect.Value{}, overflow(src, to)
			}
			out.SetFloat(src.Float())
		case classBool:
			out.SetBool(src.Bool())
		case classString:
			out.SetString(src.String())
		}
		return out, nil
	case from == classInt && toCls == classUint:
		if src.Int() < 0 || out.OverflowUint(uint64(src.Int())) {
			return reflect.Value{}, overflow(src, to)
		}
		out.SetUint(uint64(src.Int()))
		return out, nil
	case from == classUint && toCls == classInt:
		if src.Uint() > 1<<63-1 || out.OverflowInt(int64(src.Uint())) { //nolint:gosec
			return reflect.Value{}, overflow(src, to)
		}
		out.SetInt(int64(src.Uint())) //nolint:gosec
		return out, nil
	case from == classInt && toCls == classFloat:
		out.SetFloat(float64(src.Int()))
		return out, nil
	case from == classUint && toCls == classFloat:
		out.SetFloat(float64(src.Uint()))
		return out, nil
	}
	return reflect.Value{}, mismatch(src.Type(), to)
}

func mismatch(from, to reflect.Type) error {
	return codecErr(KindTypeMismatch, "value", 0, ErrTypeMismatch, "cannot assign %s to %s", from, to)
}

func overflow(v reflect.Value, to reflect.Type) error {
	return codecErr(KindTypeMismatch, "value", 0, ErrTypeMismatch, "%v overflows %s", v.Interface(), to)
}
