package executor

import (
	"fmt"
	"sort"
)

type EnvVars []string

// ConstructEnvs converts a map of environment variables into an
// exec/docker friendly []string{"KEY=value", ...} slice, sorted by key.
func ConstructEnvs(envs map[string]string) EnvVars {
	keys := make([]string, 0, len(envs))
	for k := range envs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out EnvVars
	for _, k := range keys {
		out.AddEnv(k, envs[k])
	}
	return out
}

// Slice returns the EnvVar as a []string slice.
func (ev EnvVars) Slice() []string {
	return ev
}

// AddEnv adds a key=value string to the EnvVar.
func (ev *EnvVars) AddEnv(key, value string) {
	*ev = append(*ev, fmt.Sprintf("%s=%s", key, value))
}

// Keys returns only the variable names, safe for logging.
func (ev EnvVars) Keys() []string {
	keys := make([]string, 0, len(ev))
	for _, e := range ev {
		for i := 0; i < len(e); i++ {
			if e[i] == '=' {
				keys = append(keys, e[:i])
				break
			}
		}
	}
	return keys
}
