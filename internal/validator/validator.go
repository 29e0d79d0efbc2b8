// Package validator evaluates declarative rule sets against parsed JSON values.
//
// A rule set maps attribute names to comma-separated rule lists:
//
//	kephasgate.Rules{
//	    "*":        "is_object",
//	    "email":    "is_string",
//	    "password": "is_string,confirmed",
//	    "nickname": "is_string,nullable",
//	}
//
// The special "*" key asserts that the root value is an object. Values are
// expected to be decoded with Decode so numbers keep their JSON form.
//
// An attribute holding JSON null counts as absent: it is accepted under
// nullable and reported as required otherwise.
package validator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/luciancaetano/kephasgate"
)

// Rule names
const (
	RuleIsObject         = "is_object"
	RuleIsString         = "is_string"
	RuleIsUUID           = "is_uuid"
	RuleIsNumber         = "is_number"
	RuleIsArrayOfStrings = "is_array_of_strings"
	RuleConfirmed        = "confirmed"
	RuleNullable         = "nullable"

	// RootAttribute is the attribute key that targets the root value.
	RootAttribute = "*"
)

var knownRules = map[string]struct{}{
	RuleIsObject:         {},
	RuleIsString:         {},
	RuleIsUUID:           {},
	RuleIsNumber:         {},
	RuleIsArrayOfStrings: {},
	RuleConfirmed:        {},
	RuleNullable:         {},
}

// Error messages
const (
	MsgRootObject      = "payload must be an object"
	MsgInvalidJSON     = "payload must be valid JSON"
	MsgRequired        = "attribute is required"
	MsgString          = "attribute must be a string"
	MsgUUID            = "attribute must be a valid uuid"
	MsgNumber          = "attribute must be an integer"
	MsgObject          = "attribute must be an object"
	MsgArrayOfStrings  = "attribute must be a non-empty array of strings"
	MsgElementString   = "element at index %d must be a string"
	MsgConfirmRequired = "attribute confirmation is required"
	MsgConfirmString   = "attribute confirmation must be a string"
	MsgConfirmMismatch = "attribute confirmation does not match"
)

// Result is the outcome of a validation.
type Result struct {
	Success bool                `json:"success"`
	Errors  map[string][]string `json:"errors"`
}

// Decode parses JSON keeping numbers as json.Number so integer checks are exact.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	return v, nil
}

// CheckRules returns an error if any attribute uses a rule the validator does
// not know.
func CheckRules(rules kephasgate.Rules) error {
	for _, attr := range sortedAttributes(rules) {
		for _, rule := range splitRules(rules[attr]) {
			if _, ok := knownRules[rule]; !ok {
				return fmt.Errorf("unknown rule %q for attribute %q", rule, attr)
			}
		}
	}
	return nil
}

// Validate checks value against rules.
func Validate(rules kephasgate.Rules, value any) Result {
	errs := make(map[string][]string)
	add := func(attr, msg string) {
		errs[attr] = append(errs[attr], msg)
	}

	obj, isObject := value.(map[string]any)
	if _, ok := rules[RootAttribute]; ok && !isObject {
		add(RootAttribute, MsgRootObject)
		return Result{Success: false, Errors: errs}
	}

	for _, attr := range sortedAttributes(rules) {
		if attr == RootAttribute {
			continue
		}

		list := splitRules(rules[attr])
		nullable := contains(list, RuleNullable)

		v, present := obj[attr]
		if !present || v == nil {
			if !nullable {
				add(attr, MsgRequired)
			}
			continue
		}

		for _, rule := range list {
			switch rule {
			case RuleIsString:
				if _, ok := v.(string); !ok {
					add(attr, MsgString)
				}
			case RuleIsUUID:
				s, ok := v.(string)
				if !ok {
					add(attr, MsgString)
				} else if _, err := uuid.Parse(s); err != nil {
					add(attr, MsgUUID)
				}
			case RuleIsNumber:
				if !isInteger(v) {
					add(attr, MsgNumber)
				}
			case RuleIsObject:
				if _, ok := v.(map[string]any); !ok {
					add(attr, MsgObject)
				}
			case RuleIsArrayOfStrings:
				arr, ok := v.([]any)
				if !ok || len(arr) == 0 {
					add(attr, MsgArrayOfStrings)
					continue
				}
				for i, el := range arr {
					if _, ok := el.(string); !ok {
						add(attr, fmt.Sprintf(MsgElementString, i))
					}
				}
			case RuleConfirmed:
				confirmation, ok := obj[attr+"_confirmation"]
				if !ok {
					add(attr, MsgConfirmRequired)
					continue
				}
				cs, ok := confirmation.(string)
				if !ok {
					add(attr, MsgConfirmString)
					continue
				}
				if s, ok := v.(string); !ok || s != cs {
					add(attr, MsgConfirmMismatch)
				}
			}
		}
	}

	return Result{Success: len(errs) == 0, Errors: errs}
}

// isInteger reports whether v is a JSON integer.
func isInteger(v any) bool {
	switch n := v.(type) {
	case json.Number:
		_, err := n.Int64()
		return err == nil
	case float64:
		return n == float64(int64(n))
	case int, int32, int64:
		return true
	default:
		return false
	}
}

func splitRules(list string) []string {
	parts := strings.Split(list, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sortedAttributes(rules kephasgate.Rules) []string {
	attrs := make([]string, 0, len(rules))
	for attr := range rules {
		attrs = append(attrs, attr)
	}
	sort.Strings(attrs)
	return attrs
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
