// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"
	"gvisor.dev/altp2m/pkg/refs"
)

// configFlag names the flag holding the path of a TOML file with defaults.
const configFlag = "config"

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String(configFlag, "", "TOML file with flag values. Flags given on the command line take precedence.")

	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("debug-log", "", "additional location for logs. If it ends with '/', log files are created inside the directory with default names. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("debug-log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")
	flagSet.Var(leakModePtr(refs.NoLeakChecking), "ref-leak-mode", "sets reference leak check mode: disabled (default), log-names, panic.")

	// Flags that shape the simulated domain.
	flagSet.Int("vcpus", 4, "number of vCPUs.")
	flagSet.Uint64("guest-frames", 1024, "number of guest frames mapped by the host table.")
	flagSet.Int("frames", 64, "number of machine frames available for translation tables.")
	flagSet.Int("frames-per-table", 2, "number of frames each translation table takes.")

	// Output flags.
	flagSet.String("event-log", "", "file path where lifecycle events are streamed.")
	flagSet.Float64("event-rate", 0, "maximum lifecycle events per second written to --event-log; 0 means unlimited.")
	flagSet.String("metrics-file", "", "file path where metrics are written in Prometheus text format on exit.")
}

func leakModePtr(v refs.LeakMode) *refs.LeakMode {
	return &v
}

// NewFromFlags creates a new Config with values coming from command line flags
// and, for flags not given on the command line, from the --config file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	if path := flagSet.Lookup(configFlag).Value.String(); path != "" {
		if err := applyFile(flagSet, path); err != nil {
			return nil, err
		}
	}

	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// applyFile sets every flag named in the TOML file at path that was not set
// explicitly in flagSet.
func applyFile(flagSet *flag.FlagSet, path string) error {
	var values map[string]any
	if _, err := toml.DecodeFile(path, &values); err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	return apply(flagSet, values)
}

// apply sets flags from values, skipping those set explicitly in flagSet.
func apply(flagSet *flag.FlagSet, values map[string]any) error {
	explicit := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})
	for name, v := range values {
		if name == configFlag {
			return fmt.Errorf("config file cannot set %q", name)
		}
		if flagSet.Lookup(name) == nil {
			return fmt.Errorf("unknown flag %q in config file", name)
		}
		if explicit[name] {
			continue
		}
		var s string
		switch v := v.(type) {
		case string:
			s = v
		case bool:
			s = strconv.FormatBool(v)
		case int64:
			s = strconv.FormatInt(v, 10)
		case float64:
			s = strconv.FormatFloat(v, 'g', -1, 64)
		default:
			return fmt.Errorf("flag %q: unsupported value %v of type %T", name, v, v)
		}
		if err := flagSet.Set(name, s); err != nil {
			return fmt.Errorf("flag %q: %w", name, err)
		}
	}
	return nil
}

// field is the flag name and string value of a Config field.
type field struct {
	name, value string
}

// fields returns the flag fields of c in declaration order.
func (c *Config) fields() []field {
	var rv []field
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		rv = append(rv, field{name: name, value: getVal(obj.Field(i))})
	}
	return rv
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Flags at their default value are omitted.
func (c *Config) ToFlags() []string {
	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	var rv []string
	for _, f := range c.fields() {
		fl := flagSet.Lookup(f.name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", f.name))
		}
		if f.value == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, f.value))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(field.Float(), 'g', -1, 64)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
