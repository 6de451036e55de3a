// Package interpolate substitutes ${dotted.path} tokens in provider template
// strings from a context mapping. Provider metadata declares URLs, query
// params, and request bodies as templates; the values come from the
// connection config, the tenant integration config, and the live session.
//
// Missing keys are never silently replaced with an empty string: callers get
// the full list of unresolved keys and decide how to fail.
package interpolate

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// legacyPrefix is the historical alias for connection-config lookups:
// ${connectionConfig.X} resolves exactly like ${X}.
const legacyPrefix = "connectionConfig."

var tokenPattern = regexp.MustCompile(`\$\{([^{}]*)\}`)

// Option configures a single interpolation call.
type Option func(*settings)

type settings struct {
	urlEncode bool
}

// WithURLEncoding URL-encodes each substituted value individually, leaving
// the surrounding template text verbatim.
func WithURLEncoding() Option {
	return func(s *settings) {
		s.urlEncode = true
	}
}

// MissingKeysError reports the tokens of a template that did not resolve
// against the supplied context.
type MissingKeysError struct {
	Template string
	Keys     []string
}

func (e *MissingKeysError) Error() string {
	return fmt.Sprintf("template %q references missing keys: %s", e.Template, strings.Join(e.Keys, ", "))
}

// Interpolate substitutes every ${dotted.path} token in tmpl from ctx.
// It returns a *MissingKeysError when any token does not resolve.
func Interpolate(tmpl string, ctx map[string]any, opts ...Option) (string, error) {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}

	var missing []string
	out := tokenPattern.ReplaceAllStringFunc(tmpl, func(token string) string {
		key := normalizeKey(token[2 : len(token)-1])
		val, ok := lookup(ctx, key)
		if !ok {
			missing = append(missing, key)
			return token
		}
		if s.urlEncode {
			// Percent-encoding, not form encoding: spaces become %20.
			return strings.ReplaceAll(url.QueryEscape(val), "+", "%20")
		}
		return val
	})
	if len(missing) > 0 {
		return "", &MissingKeysError{Template: tmpl, Keys: dedupe(missing)}
	}
	return out, nil
}

// MissingKeys returns the normalized keys of tmpl that do not resolve
// against ctx, in template order, without duplicates. A nil result means the
// template fully interpolates.
func MissingKeys(tmpl string, ctx map[string]any) []string {
	var missing []string
	for _, match := range tokenPattern.FindAllStringSubmatch(tmpl, -1) {
		key := normalizeKey(match[1])
		if _, ok := lookup(ctx, key); !ok {
			missing = append(missing, key)
		}
	}
	return dedupe(missing)
}

// InterpolateMap applies Interpolate to every string value of m, recursing
// into nested maps. The input map is not modified.
func InterpolateMap(m map[string]any, ctx map[string]any, opts ...Option) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			s, err := Interpolate(val, ctx, opts...)
			if err != nil {
				return nil, err
			}
			out[k] = s
		case map[string]any:
			nested, err := InterpolateMap(val, ctx, opts...)
			if err != nil {
				return nil, err
			}
			out[k] = nested
		default:
			out[k] = v
		}
	}
	return out, nil
}

// InterpolateStringMap is InterpolateMap for the flat string maps provider
// metadata uses for params.
func InterpolateStringMap(m map[string]string, ctx map[string]any, opts ...Option) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		s, err := Interpolate(v, ctx, opts...)
		if err != nil {
			return nil, err
		}
		out[k] = s
	}
	return out, nil
}

func normalizeKey(raw string) string {
	key := strings.TrimSpace(raw)
	return strings.TrimPrefix(key, legacyPrefix)
}

// lookup walks a dotted path through nested maps and stringifies the leaf.
func lookup(ctx map[string]any, path string) (string, bool) {
	if ctx == nil {
		return "", false
	}
	segments := strings.Split(path, ".")
	var current any = ctx
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			if sm, isStr := current.(map[string]string); isStr {
				v, present := sm[seg]
				if !present {
					return "", false
				}
				current = v
				continue
			}
			return "", false
		}
		v, present := m[seg]
		if !present {
			return "", false
		}
		current = v
	}
	return formatValue(current)
}

func formatValue(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case fmt.Stringer:
		return val.String(), true
	case map[string]any, map[string]string, []any, []string, nil:
		// Only scalar leaves substitute into templates.
		return "", false
	default:
		return fmt.Sprintf("%v", val), true
	}
}

func dedupe(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
