package ipn

import (
	"encoding/json"
	"net/url"
	"strings"
)

const (
	validateCommand = "cmd=_notify-validate"
	paymentDateKey  = "payment_date"
)

// Field is a single name/value pair of a notification in the order PayPal sent it.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Fields is an ordered set of notification fields. A repeated name keeps the
// position of its first occurrence and takes the last value.
type Fields struct {
	list  []Field
	index map[string]int
}

// Set stores value under name, appending the name when it is new.
func (f *Fields) Set(name, value string) {
	if f.index == nil {
		f.index = make(map[string]int)
	}
	if i, ok := f.index[name]; ok {
		f.list[i].Value = value
		return
	}
	f.index[name] = len(f.list)
	f.list = append(f.list, Field{Name: name, Value: value})
}

// Get returns the value stored under name.
func (f Fields) Get(name string) (string, bool) {
	i, ok := f.index[name]
	if !ok {
		return "", false
	}
	return f.list[i].Value, true
}

// Value returns the value stored under name or an empty string.
func (f Fields) Value(name string) string {
	v, _ := f.Get(name)
	return v
}

// Len reports the number of distinct fields.
func (f Fields) Len() int { return len(f.list) }

// List returns a copy of the fields in encounter order.
func (f Fields) List() []Field {
	out := make([]Field, len(f.list))
	copy(out, f.list)
	return out
}

// MarshalJSON encodes the fields as an ordered array.
func (f Fields) MarshalJSON() ([]byte, error) {
	if f.list == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(f.list)
}

// ParseFields decodes a raw IPN body. PayPal sends payment_date with a literal
// '+' in the timezone offset, so the standard form decoder cannot be used: a
// payment_date value holding exactly one '+' has it escaped before decoding.
// Chunks that do not split into exactly one name and one value are dropped.
func ParseFields(raw []byte) Fields {
	var fields Fields
	for _, chunk := range strings.Split(string(raw), "&") {
		kv := strings.Split(chunk, "=")
		if len(kv) != 2 {
			continue
		}
		name, value := kv[0], kv[1]
		if name == paymentDateKey && strings.Count(value, "+") == 1 {
			value = strings.ReplaceAll(value, "+", "%2B")
		}
		fields.Set(name, formDecode(value))
	}
	return fields
}

// HasField reports whether the raw body names the field, whatever its value.
// A chunk without '=' still counts as a present field.
func HasField(raw []byte, name string) bool {
	for _, chunk := range strings.Split(string(raw), "&") {
		key, _, _ := strings.Cut(chunk, "=")
		if formDecode(key) == name {
			return true
		}
	}
	return false
}

// ValidationBody builds the postback body: the validate command followed by
// every field re-encoded in its original order.
func ValidationBody(fields Fields) []byte {
	var b strings.Builder
	b.WriteString(validateCommand)
	for _, field := range fields.list {
		b.WriteByte('&')
		b.WriteString(field.Name)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(field.Value))
	}
	return []byte(b.String())
}

// formDecode decodes a form value the lenient way: '+' is a space, %XX is a
// byte and a malformed escape is kept as is.
func formDecode(s string) string {
	if !strings.ContainsAny(s, "+%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '+':
			b.WriteByte(' ')
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
