package contract

import (
	"fmt"
	"math"

	"github.com/tidwall/gjson"
)

// Error reports a boundary payload that failed validation. Path is the
// dotted location of the offending value, e.g. "probe.rpc.reachable".
type Error struct {
	Path    string
	Problem string
}

func (e *Error) Error() string {
	return e.Path + " " + e.Problem
}

func fail(path, problem string) error {
	return &Error{Path: path, Problem: problem}
}

func at(path, key string) string {
	return path + "." + key
}

func index(path string, i int) string {
	return fmt.Sprintf("%s[%d]", path, i)
}

// parseRoot checks raw is well-formed JSON holding an object.
func parseRoot(raw []byte, name string) (gjson.Result, error) {
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fail(name, "must be valid JSON")
	}
	r := gjson.ParseBytes(raw)
	if !r.IsObject() {
		return gjson.Result{}, fail(name, "must be an object")
	}
	return r, nil
}

func isNull(r gjson.Result) bool {
	return r.Exists() && r.Type == gjson.Null
}

func requireObject(obj gjson.Result, path, key string) (gjson.Result, error) {
	r := obj.Get(key)
	p := at(path, key)
	if !r.Exists() {
		return r, fail(p, "is required")
	}
	if !r.IsObject() {
		return r, fail(p, "must be an object")
	}
	return r, nil
}

func requireString(obj gjson.Result, path, key string) (string, error) {
	r := obj.Get(key)
	p := at(path, key)
	if !r.Exists() {
		return "", fail(p, "is required")
	}
	if r.Type != gjson.String {
		return "", fail(p, "must be a string")
	}
	return r.Str, nil
}

func requireNonEmptyString(obj gjson.Result, path, key string) (string, error) {
	s, err := requireString(obj, path, key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fail(at(path, key), "must not be empty")
	}
	return s, nil
}

// optionalString returns nil when the key is absent or null. The two are
// equivalent for every optional field of the contract: none of the domain
// types carries a value for "explicitly cleared". Fields where absence is
// an error go through nullableString instead.
func optionalString(obj gjson.Result, path, key string) (*string, error) {
	r := obj.Get(key)
	if !r.Exists() || isNull(r) {
		return nil, nil
	}
	if r.Type != gjson.String {
		return nil, fail(at(path, key), "must be a string or null")
	}
	s := r.Str
	return &s, nil
}

// nullableString requires the key but accepts null.
func nullableString(obj gjson.Result, path, key string) (*string, error) {
	r := obj.Get(key)
	if !r.Exists() {
		return nil, fail(at(path, key), "is required")
	}
	return optionalString(obj, path, key)
}

func toInt(r gjson.Result, p string) (int64, error) {
	if r.Type != gjson.Number {
		return 0, fail(p, "must be an integer")
	}
	if r.Num != math.Trunc(r.Num) || math.Abs(r.Num) > 1<<53 {
		return 0, fail(p, "must be an integer")
	}
	return int64(r.Num), nil
}

func requireInt(obj gjson.Result, path, key string) (int64, error) {
	r := obj.Get(key)
	p := at(path, key)
	if !r.Exists() {
		return 0, fail(p, "is required")
	}
	return toInt(r, p)
}

func optionalInt(obj gjson.Result, path, key string) (int64, bool, error) {
	r := obj.Get(key)
	if !r.Exists() || isNull(r) {
		return 0, false, nil
	}
	n, err := toInt(r, at(path, key))
	return n, err == nil, err
}

func requireBool(obj gjson.Result, path, key string) (bool, error) {
	r := obj.Get(key)
	p := at(path, key)
	if !r.Exists() {
		return false, fail(p, "is required")
	}
	if r.Type != gjson.True && r.Type != gjson.False {
		return false, fail(p, "must be a boolean")
	}
	return r.Bool(), nil
}

func optionalArray(obj gjson.Result, path, key string) ([]gjson.Result, error) {
	r := obj.Get(key)
	if !r.Exists() || isNull(r) {
		return nil, nil
	}
	if !r.IsArray() {
		return nil, fail(at(path, key), "must be an array or null")
	}
	return r.Array(), nil
}

func requireArray(obj gjson.Result, path, key string) ([]gjson.Result, error) {
	r := obj.Get(key)
	p := at(path, key)
	if !r.Exists() {
		return nil, fail(p, "is required")
	}
	if !r.IsArray() {
		return nil, fail(p, "must be an array")
	}
	return r.Array(), nil
}
