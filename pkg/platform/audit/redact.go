package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Redacted replaces the value of every sensitive field in stored snapshots.
const Redacted = "[REDACTED]"

var defaultSensitiveFields = []string{
	"cpr",
	"national_id",
	"identity_number",
	"payout_account",
	"landlord_payout_account",
	"tenant_payout_account",
	"account_number",
	"iban",
	"email",
	"phone",
}

// Redactor masks sensitive keys at any depth of a JSON snapshot. Key matching
// ignores case, underscores and dashes.
type Redactor struct {
	fields map[string]struct{}
}

// NewRedactor builds a redactor for the default sensitive fields plus extra.
func NewRedactor(extra ...string) *Redactor {
	r := &Redactor{fields: make(map[string]struct{})}
	for _, f := range append(append([]string(nil), defaultSensitiveFields...), extra...) {
		r.fields[normalizeKey(f)] = struct{}{}
	}
	return r
}

func normalizeKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "_", "")
	return strings.ReplaceAll(k, "-", "")
}

// IsSensitive reports whether key would be masked.
func (r *Redactor) IsSensitive(key string) bool {
	_, ok := r.fields[normalizeKey(key)]
	return ok
}

// Redact serializes v to JSON with sensitive values masked. A nil v yields "".
func (r *Redactor) Redact(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal audit snapshot: %w", err)
	}
	decoded, err := decode(raw)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(r.walk(decoded))
	if err != nil {
		return "", fmt.Errorf("marshal redacted snapshot: %w", err)
	}
	return string(out), nil
}

func (r *Redactor) walk(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if r.IsSensitive(k) {
				if child != nil && child != "" {
					t[k] = Redacted
				}
				continue
			}
			t[k] = r.walk(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = r.walk(child)
		}
		return t
	default:
		return v
	}
}

func decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode audit snapshot: %w", err)
	}
	return out, nil
}

// ChangedFields lists the top-level keys whose values differ between two
// serialized object snapshots, sorted.
func ChangedFields(before, after string) []string {
	b := objectOf(before)
	a := objectOf(after)
	if b == nil && a == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var changed []string
	for k, av := range a {
		seen[k] = struct{}{}
		if bv, ok := b[k]; !ok || !reflect.DeepEqual(av, bv) {
			changed = append(changed, k)
		}
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

func objectOf(s string) map[string]any {
	if s == "" {
		return nil
	}
	v, err := decode([]byte(s))
	if err != nil {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}
