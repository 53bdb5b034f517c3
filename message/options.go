package message

import "sort"

// Options is the option multimap: a flat slice kept sorted in ascending
// option-number order, with per-number insertion order preserved (spec §9
// "Options multimap"). Typical option counts are small enough that linear
// search and shift-on-insert are cheaper than a real map.
type Options []Option

// Extension markers for the delta/length TLV encoding (RFC 7252 §3.1).
const (
	extend1Byte  = 13
	extend2Byte  = 14
	extendError  = 15
	extend1Base  = 13
	extend2Base  = 269
)

// find returns the half-open index range [first, last) of entries with the
// given option number, in the order they were inserted.
func (o Options) find(id OptionID) (first, last int) {
	first = sort.Search(len(o), func(i int) bool { return o[i].ID >= id })
	last = first
	for last < len(o) && o[last].ID == id {
		last++
	}
	return first, last
}

// Find returns the index range of entries for id, or ErrOptionNotFound if
// none are present.
func (o Options) Find(id OptionID) (first, last int, err error) {
	first, last = o.find(id)
	if first == last {
		return -1, -1, ErrOptionNotFound
	}
	return first, last, nil
}

// Add inserts a new value for id, preserving ascending order across
// numbers and insertion order within the same number (URI-Path/URI-Query
// segment ordering is semantically meaningful, spec §9).
func (o Options) Add(opt Option) Options {
	_, last := o.find(opt.ID)
	o = append(o, Option{})
	copy(o[last+1:], o[last:len(o)-1])
	o[last] = opt
	return o
}

// Set replaces every existing value for opt.ID with the single given
// value, used for non-repeatable options.
func (o Options) Set(opt Option) Options {
	first, last := o.find(opt.ID)
	if first == last {
		return o.Add(opt)
	}
	o[first] = opt
	if last-first > 1 {
		o = append(o[:first+1], o[last:]...)
	}
	return o
}

// Remove deletes every value for id.
func (o Options) Remove(id OptionID) Options {
	first, last := o.find(id)
	if first == last {
		return o
	}
	return append(o[:first], o[last:]...)
}

// Values returns the raw wire-encoded values for id, in insertion order.
func (o Options) Values(id OptionID) [][]byte {
	first, last := o.find(id)
	if first == last {
		return nil
	}
	out := make([][]byte, 0, last-first)
	for i := first; i < last; i++ {
		out = append(out, o[i].Value)
	}
	return out
}

// GetUint returns the decoded value of the first entry for id.
func (o Options) GetUint(id OptionID) (uint32, error) {
	first, _, err := o.Find(id)
	if err != nil {
		return 0, err
	}
	return DecodeUint(o[first].Value)
}

// GetString returns the decoded value of the first entry for id.
func (o Options) GetString(id OptionID) (string, error) {
	first, _, err := o.Find(id)
	if err != nil {
		return "", err
	}
	return string(o[first].Value), nil
}

// GetBytes returns the raw value of the first entry for id.
func (o Options) GetBytes(id OptionID) ([]byte, error) {
	first, _, err := o.Find(id)
	if err != nil {
		return nil, err
	}
	return o[first].Value, nil
}

// Has reports whether at least one value for id is present.
func (o Options) Has(id OptionID) bool {
	first, last := o.find(id)
	return first != last
}

// AddUint appends a minimally-encoded Uint option value.
func (o Options) AddUint(id OptionID, value uint32) (Options, error) {
	buf := make([]byte, 4)
	n, err := EncodeUint(buf, value)
	if err != nil {
		return o, err
	}
	return o.Add(Option{ID: id, Value: buf[:n]}), nil
}

// SetUint replaces all existing values for id with a single Uint value.
func (o Options) SetUint(id OptionID, value uint32) (Options, error) {
	buf := make([]byte, 4)
	n, err := EncodeUint(buf, value)
	if err != nil {
		return o, err
	}
	return o.Set(Option{ID: id, Value: buf[:n]}), nil
}

// validateLen enforces CoapOptionDefs' length bounds for id, if it has a
// registered definition; options absent from the registry are unbounded.
func validateLen(id OptionID, n int) error {
	if def, ok := CoapOptionDefs[id]; ok && (n < def.MinLen || n > def.MaxLen) {
		return ErrInvalidValueLength
	}
	return nil
}

// AddString appends a UTF-8 string option value, rejecting one that
// violates the option's registered length bounds without modifying o.
func (o Options) AddString(id OptionID, value string) (Options, error) {
	if err := validateLen(id, len(value)); err != nil {
		return o, err
	}
	return o.Add(Option{ID: id, Value: []byte(value)}), nil
}

// SetString replaces all existing values for id with a single string
// value, rejecting one that violates the option's registered length
// bounds without modifying o.
func (o Options) SetString(id OptionID, value string) (Options, error) {
	if err := validateLen(id, len(value)); err != nil {
		return o, err
	}
	return o.Set(Option{ID: id, Value: []byte(value)}), nil
}

// AddOpaque appends an opaque option value, rejecting one that violates the
// option's registered length bounds without modifying o. The slice is
// copied so the caller's buffer may be reused.
func (o Options) AddOpaque(id OptionID, value []byte) (Options, error) {
	if err := validateLen(id, len(value)); err != nil {
		return o, err
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return o.Add(Option{ID: id, Value: cp}), nil
}

// SetOpaque replaces all existing values for id with a single opaque
// value, rejecting one that violates the option's registered length
// bounds without modifying o.
func (o Options) SetOpaque(id OptionID, value []byte) (Options, error) {
	if err := validateLen(id, len(value)); err != nil {
		return o, err
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return o.Set(Option{ID: id, Value: cp}), nil
}

// Clone returns a deep copy, so mutating the copy never aliases the
// original message's option values.
func (o Options) Clone() Options {
	out := make(Options, len(o))
	for i, opt := range o {
		v := make([]byte, len(opt.Value))
		copy(v, opt.Value)
		out[i] = Option{ID: opt.ID, Value: v}
	}
	return out
}

// Path reconstructs the "/"-joined path from URI-Path (or Location-Path,
// via PathOf) option values.
func (o Options) Path() (string, error) {
	return o.PathOf(URIPath)
}

// PathOf reconstructs a "/"-joined path from the given repeatable
// string-valued option (URIPath or LocationPath).
func (o Options) PathOf(id OptionID) (string, error) {
	first, last := o.find(id)
	if first == last {
		return "", nil
	}
	s := ""
	for i := first; i < last; i++ {
		if i != first {
			s += "/"
		}
		s += string(o[i].Value)
	}
	return s, nil
}

// SetPath replaces the URI-Path options with one segment per "/"-delimited
// component of path. A leading "/" is dropped before splitting (spec §4.2).
func (o Options) SetPath(path string) Options {
	return o.setPathOf(URIPath, path)
}

func (o Options) setPathOf(id OptionID, path string) Options {
	o = o.Remove(id)
	if path == "" {
		return o
	}
	if path[0] == '/' {
		path = path[1:]
	}
	if path == "" {
		return o
	}
	start := 0
	for start <= len(path) {
		end := start
		for end < len(path) && path[end] != '/' {
			end++
		}
		o = o.Add(Option{ID: id, Value: []byte(path[start:end])})
		start = end + 1
	}
	return o
}

// Queries reconstructs the list of URI-Query values, in insertion order.
func (o Options) Queries() []string {
	vals := o.Values(URIQuery)
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}

// QueryParam looks up the value of query parameter key across the
// URI-Query option values: for "k=v" it returns ("v", true); for a bare
// "k" with no "=" it returns ("", true); absent returns ("", false)
// (spec §4.2 "Query-parameter lookup").
func (o Options) QueryParam(key string) (string, bool) {
	prefix := key + "="
	for _, v := range o.Values(URIQuery) {
		s := string(v)
		if s == key {
			return "", true
		}
		if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
			return s[len(prefix):], true
		}
	}
	return "", false
}

// ContentFormat returns the Content-Format option value.
func (o Options) ContentFormat() (MediaType, error) {
	v, err := o.GetUint(ContentFormat)
	if err != nil {
		return 0, err
	}
	return MediaType(v), nil
}

// Observe returns the Observe option value. absent reports ErrOptionNotFound.
func (o Options) Observe() (uint32, error) {
	return o.GetUint(Observe)
}

// ETag returns the raw ETag option value.
func (o Options) ETag() ([]byte, error) {
	return o.GetBytes(ETag)
}

// Accept returns all Accept option values (possibly empty, per spec §9
// "getAcceptedContentFormats ... silently return empty collections").
func (o Options) Accept() []MediaType {
	vals := o.Values(Accept)
	out := make([]MediaType, 0, len(vals))
	for _, v := range vals {
		n, err := DecodeUint(v)
		if err == nil {
			out = append(out, MediaType(n))
		}
	}
	return out
}
