package launcher

import (
	"os"
	"sort"
	"strings"
)

// mergeEnv applies extra ("K=V") over base and expands ${VAR} references in
// the extra values against the merged map. Entries with an empty key are dropped.
func mergeEnv(base, extra []string) []string {
	m := make(map[string]string, len(base)+len(extra))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	overrides := make(map[string]string, len(extra))
	for _, kv := range extra {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
			overrides[k] = v
		}
	}
	raw := make(map[string]string, len(m))
	for k, v := range m {
		raw[k] = v
	}
	for k, v := range overrides {
		m[k] = os.Expand(v, func(name string) string {
			if name == k {
				// Self references resolve against the base value.
				return lookup(base, name)
			}
			return raw[name]
		})
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func lookup(kvs []string, key string) string {
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}
