package fanout

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// call is the fully resolved shape of one loader invocation.
type call struct {
	method string
	path   string
	query  string
	body   []byte
}

// paramSegment returns the index of the ":param" segment in a path
// template, or -1.
func paramSegment(segments []string) int {
	for i, s := range segments {
		if strings.HasPrefix(s, ":") {
			return i
		}
	}
	return -1
}

func countParams(template string) int {
	return lo.CountBy(strings.Split(template, "/"), func(s string) bool {
		return strings.HasPrefix(s, ":")
	})
}

// expandPath substitutes id into the template's ":param" segment. A template
// without one treats a non-empty id as a trailing sub-path, so a loader for
// "/me" may be called with "artworks".
func expandPath(template, id string) (string, error) {
	segments := strings.Split(template, "/")
	i := paramSegment(segments)
	if i < 0 {
		if id == "" {
			return template, nil
		}
		return strings.TrimRight(template, "/") + "/" + strings.TrimLeft(id, "/"), nil
	}
	if id == "" {
		return "", fmt.Errorf("missing value for %s", segments[i])
	}
	segments[i] = url.PathEscape(id)
	return strings.Join(segments, "/"), nil
}

// encodeQuery renders params as a query string with sorted keys. Slice
// values use bracket notation: ids[]=1&ids[]=2.
func encodeQuery(params Params) string {
	if len(params) == 0 {
		return ""
	}
	values := url.Values{}
	for _, k := range lo.Keys(params) {
		switch v := params[k].(type) {
		case nil:
		case string:
			values.Set(k, v)
		case []byte:
			values.Set(k, string(v))
		case []string:
			for _, s := range v {
				values.Add(k+"[]", s)
			}
		default:
			rv := reflect.ValueOf(v)
			if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
				values.Set(k, fmt.Sprint(v))
				continue
			}
			for i := 0; i < rv.Len(); i++ {
				values.Add(k+"[]", fmt.Sprint(rv.Index(i).Interface()))
			}
		}
	}
	return values.Encode()
}

func hasBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead:
		return false
	default:
		return true
	}
}

// resolveCall builds the request shape for ep. GET and HEAD carry params in
// the query string, other methods as a JSON body.
func resolveCall(ep *Endpoint, id string, params Params) (call, error) {
	path, err := expandPath(ep.Path, id)
	if err != nil {
		return call{}, err
	}

	c := call{method: ep.method(), path: path}
	if !hasBody(c.method) {
		c.query = encodeQuery(params)
		return c, nil
	}
	if len(params) > 0 {
		// encoding/json sorts map keys, so the body is canonical.
		c.body, err = json.Marshal(params)
		if err != nil {
			return call{}, fmt.Errorf("encoding request body: %w", err)
		}
	}
	return c, nil
}

// canonicalKey is the cache and coalescing key of c: method, path, sorted
// query and a digest of the body.
func (c call) canonicalKey() string {
	var b strings.Builder
	b.WriteString(c.method)
	b.WriteByte(' ')
	b.WriteString(c.path)
	if c.query != "" {
		b.WriteByte('?')
		b.WriteString(c.query)
	}
	if len(c.body) > 0 {
		b.WriteByte('#')
		b.WriteString(digest(c.body))
	}
	return b.String()
}

func (c call) target(base string) string {
	u := strings.TrimRight(base, "/") + c.path
	if c.query != "" {
		u += "?" + c.query
	}
	return u
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

func sortedNames[V any](m map[string]V) []string {
	names := lo.Keys(m)
	sort.Strings(names)
	return names
}
