package matching

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/samply/golang-fhir-models/fhir-models/fhir"
)

var patientType = reflect.TypeOf(fhir.Patient{})

// DecodePatient decodes a Patient resource. An element whose value does not
// fit its R4 type, such as a code outside its value set or a string where a
// boolean belongs, is dropped instead of failing the whole resource. The
// dropped elements are returned as FHIRPath-style locations. An error is
// returned only when raw is not a JSON object.
func DecodePatient(raw []byte) (fhir.Patient, []string, error) {
	var p fhir.Patient
	decodeErr := json.Unmarshal(raw, &p)
	if decodeErr == nil {
		return p, nil, nil
	}

	var dropped []string
	cleaned, ok := prune(raw, patientType, "Patient", &dropped)
	if !ok {
		return fhir.Patient{}, nil, decodeErr
	}
	p = fhir.Patient{}
	if err := json.Unmarshal(cleaned, &p); err != nil {
		return fhir.Patient{}, nil, err
	}
	sort.Strings(dropped)
	return p, dropped, nil
}

// prune returns raw with every element that cannot be decoded into t
// removed. It reports false when raw itself cannot be kept.
func prune(raw json.RawMessage, t reflect.Type, path string, dropped *[]string) (json.RawMessage, bool) {
	if json.Unmarshal(raw, reflect.New(t).Interface()) == nil {
		return raw, true
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	switch {
	case t.Kind() == reflect.Struct:
		var obj map[string]json.RawMessage
		if json.Unmarshal(raw, &obj) != nil {
			return nil, false
		}
		fields := jsonFields(t)
		for key, value := range obj {
			ft, known := fields[key]
			if !known {
				continue
			}
			kept, ok := prune(value, ft, path+"."+key, dropped)
			if !ok {
				delete(obj, key)
				*dropped = append(*dropped, path+"."+key)
				continue
			}
			obj[key] = kept
		}
		out, err := json.Marshal(obj)
		return out, err == nil

	case t.Kind() == reflect.Slice && t.Elem().Kind() != reflect.Uint8:
		var items []json.RawMessage
		if json.Unmarshal(raw, &items) != nil {
			return nil, false
		}
		kept := make([]json.RawMessage, 0, len(items))
		for i, item := range items {
			at := fmt.Sprintf("%s[%d]", path, i)
			v, ok := prune(item, t.Elem(), at, dropped)
			if !ok {
				*dropped = append(*dropped, at)
				continue
			}
			kept = append(kept, v)
		}
		out, err := json.Marshal(kept)
		return out, err == nil
	}
	return nil, false
}

// jsonFields maps the JSON member names of struct type t to field types.
func jsonFields(t reflect.Type) map[string]reflect.Type {
	fields := make(map[string]reflect.Type, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		fields[name] = f.Type
	}
	return fields
}
