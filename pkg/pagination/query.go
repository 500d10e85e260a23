package pagination

import (
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Query parameter names of the listing convention.
const (
	ParamPage   = "page"
	ParamSize   = "size"
	ParamSort   = "sort"
	ParamSearch = "search"

	filterPrefix = "filter["
	filterSuffix = "]"
)

// Options describes one page of a listing. Zero values are omitted from
// the query.
type Options struct {
	Page     int
	PageSize int

	// Sort lists sort keys in priority order; "-name" sorts descending.
	Sort []string

	Search string

	// Filter values are scalars (string, bool, numbers, time.Time,
	// fmt.Stringer) or slices of them. Nil and empty-string values are
	// dropped; slices repeat the filter key once per element.
	Filter map[string]any
}

// FilterKey returns the namespaced query key of a filter.
func FilterKey(key string) string {
	return filterPrefix + key + filterSuffix
}

// Values converts the options to query values.
func (o Options) Values() url.Values {
	v := url.Values{}
	if o.Page > 0 {
		v.Set(ParamPage, strconv.Itoa(o.Page))
	}
	if o.PageSize > 0 {
		v.Set(ParamSize, strconv.Itoa(o.PageSize))
	}
	for _, s := range o.Sort {
		if s != "" {
			v.Add(ParamSort, s)
		}
	}
	if o.Search != "" {
		v.Set(ParamSearch, o.Search)
	}
	for key, raw := range o.Filter {
		for _, value := range filterValues(raw) {
			v.Add(FilterKey(key), value)
		}
	}
	return v
}

// Build returns the query string for the options, without a leading "?".
func Build(o Options) string {
	return Encode(o.Values())
}

// Encode works like url.Values.Encode but leaves the brackets of filter
// keys unescaped. Keys are sorted; values keep their order.
func Encode(v url.Values) string {
	if len(v) == 0 {
		return ""
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		escaped := bracketUnescaper.Replace(url.QueryEscape(k))
		for _, value := range v[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(escaped)
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(value))
		}
	}
	return b.String()
}

var bracketUnescaper = strings.NewReplacer("%5B", "[", "%5D", "]")

// Parse reads a query string produced by Build. Filter values come back
// as a string, or a []string when the key repeats.
func Parse(query string) (Options, error) {
	values, err := url.ParseQuery(strings.TrimPrefix(query, "?"))
	if err != nil {
		return Options{}, fmt.Errorf("parse query: %w", err)
	}

	var o Options
	for key, vals := range values {
		switch {
		case key == ParamPage:
			if o.Page, err = strconv.Atoi(vals[0]); err != nil {
				return Options{}, fmt.Errorf("parse %s: %w", ParamPage, err)
			}
		case key == ParamSize:
			if o.PageSize, err = strconv.Atoi(vals[0]); err != nil {
				return Options{}, fmt.Errorf("parse %s: %w", ParamSize, err)
			}
		case key == ParamSort:
			o.Sort = append([]string(nil), vals...)
		case key == ParamSearch:
			o.Search = vals[0]
		case strings.HasPrefix(key, filterPrefix) && strings.HasSuffix(key, filterSuffix):
			if o.Filter == nil {
				o.Filter = make(map[string]any)
			}
			name := strings.TrimSuffix(strings.TrimPrefix(key, filterPrefix), filterSuffix)
			if len(vals) == 1 {
				o.Filter[name] = vals[0]
			} else {
				o.Filter[name] = append([]string(nil), vals...)
			}
		}
	}
	return o, nil
}

// filterValues flattens a filter value into its query representations.
func filterValues(raw any) []string {
	if raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return nonEmpty(v)
	case []string:
		var out []string
		for _, s := range v {
			out = append(out, nonEmpty(s)...)
		}
		return out
	case []byte:
		return nonEmpty(string(v))
	case time.Time, fmt.Stringer:
		s, _ := formatScalar(v)
		return nonEmpty(s)
	}

	rv := reflect.ValueOf(raw)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		var out []string
		for i := 0; i < rv.Len(); i++ {
			out = append(out, filterValues(rv.Index(i).Interface())...)
		}
		return out
	}
	if s, ok := formatScalar(rv.Interface()); ok {
		return nonEmpty(s)
	}
	return nil
}

func formatScalar(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", x), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case time.Time:
		return x.Format(time.RFC3339), true
	case fmt.Stringer:
		return x.String(), true
	}
	return "", false
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
