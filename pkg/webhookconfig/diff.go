package webhookconfig

import (
	"encoding/json"
	"reflect"
)

// Matches reports whether every field the desired tree specifies is present
// with the same value in the existing tree. Keys the cluster added on its own
// (defaulted fields, managed metadata) are ignored, so a template that is a
// subset of the live object counts as converged.
func Matches(desired, existing interface{}) bool {
	switch d := desired.(type) {
	case map[string]interface{}:
		e, ok := existing.(map[string]interface{})
		if !ok {
			return false
		}
		for key, value := range d {
			existingValue, ok := e[key]
			if !ok {
				return false
			}
			if !Matches(value, existingValue) {
				return false
			}
		}
		return true
	case []interface{}:
		e, ok := existing.([]interface{})
		if !ok {
			return false
		}
		if len(d) > len(e) {
			return false
		}
		for i := range d {
			if !Matches(d[i], e[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(desired, existing)
	}
}

// pruneNulls drops null-valued object fields from a desired tree. A typed
// template marshals unset fields (metadata.creationTimestamp and friends) as
// null, which must not count as drift against a populated live object.
func pruneNulls(tree interface{}) interface{} {
	switch t := tree.(type) {
	case map[string]interface{}:
		for key, value := range t {
			if value == nil {
				delete(t, key)
				continue
			}
			t[key] = pruneNulls(value)
		}
		return t
	case []interface{}:
		for i := range t {
			t[i] = pruneNulls(t[i])
		}
		return t
	default:
		return tree
	}
}

// toTree decodes any JSON-marshalable value into the Object|Array|Scalar
// tree Matches operates on.
func toTree(obj interface{}) (interface{}, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var tree interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}
