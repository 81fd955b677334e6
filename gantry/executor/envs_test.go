package executor

import (
	"reflect"
	"testing"
)

func TestConstructEnvs(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]string
		want EnvVars
	}{
		{
			name: "empty input",
			in:   map[string]string{},
			want: EnvVars{},
		},
		{
			name: "single env var",
			in:   map[string]string{"FOO": "bar"},
			want: EnvVars{"FOO=bar"},
		},
		{
			name: "multiple env vars are sorted",
			in:   map[string]string{"FOO": "bar", "BAZ": "qux"},
			want: EnvVars{"BAZ=qux", "FOO=bar"},
		},
		{
			name: "value containing equals",
			in:   map[string]string{"OPTS": "a=b"},
			want: EnvVars{"OPTS=a=b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConstructEnvs(tt.in)

			if got == nil {
				got = EnvVars{}
			}

			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ConstructEnvs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAddEnv(t *testing.T) {
	ev := EnvVars{}
	ev.AddEnv("FOO", "bar")
	ev.AddEnv("BAZ", "qux")

	want := EnvVars{"FOO=bar", "BAZ=qux"}
	if !reflect.DeepEqual(ev, want) {
		t.Errorf("AddEnv result = %v, want %v", ev, want)
	}

	keys := ev.Keys()
	if !reflect.DeepEqual(keys, []string{"FOO", "BAZ"}) {
		t.Errorf("Keys() = %v", keys)
	}
}
