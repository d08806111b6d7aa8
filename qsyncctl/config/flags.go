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
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	yaml "gopkg.in/yaml.v2"
)

// configFlag names the flag holding the path of the TOML configuration file.
// It is not part of Config.
const configFlag = "config"

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String(configFlag, "", "path to a TOML file, or a YAML file ending in .yaml or .yml, with configuration. Flags set on the command line override it.")

	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("debug-log", "", "additional location for logs. If it ends with '/', log files are created inside the directory with default names. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("debug-log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	// Workload flags.
	flagSet.Int("threads", 4, "number of worker threads.")
	flagSet.Int("iterations", 1000, "number of operations per worker.")
	flagSet.Bool("fair", false, "use fair synchronizers.")
	flagSet.Int("interrupt-every", 0, "interrupt a random stress worker every N acquisitions. 0 disables interrupts.")
	flagSet.Duration("timeout", 0, "maximum duration of a workload command. 0 means no limit.")

	// State file flags.
	flagSet.String("state-key", "", "integrity key for state files.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags, overlaid on the file named by --config if it is set.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	if err := conf.setFromFlags(flagSet, func(apply func(*flag.Flag)) { flagSet.VisitAll(apply) }); err != nil {
		return nil, err
	}

	if path := flagSet.Lookup(configFlag).Value.String(); path != "" {
		if err := conf.loadFile(path); err != nil {
			return nil, err
		}
		// Explicit flags win over the file.
		if err := conf.setFromFlags(flagSet, flagSet.Visit); err != nil {
			return nil, err
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// loadFile overlays conf with the file at path. Unknown keys are errors.
func (c *Config) loadFile(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("reading config file %q: %w", path, err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.SetStrict(true)
		if err := dec.Decode(c); err != nil {
			return fmt.Errorf("unable to decode %q: %w", path, err)
		}
	default:
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return fmt.Errorf("reading config file %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown keys in config file %q: %v", path, undecoded)
		}
	}
	return nil
}

// setFromFlags copies the values of the flags visited by visit into the
// fields tagged with their names.
func (c *Config) setFromFlags(flagSet *flag.FlagSet, visit func(func(*flag.Flag))) error {
	fields := make(map[string]reflect.Value)
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		if flagSet.Lookup(name) == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		fields[name] = obj.Field(i)
	}

	var err error
	visit(func(fl *flag.Flag) {
		field, ok := fields[fl.Name]
		if !ok || err != nil {
			return
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			err = fmt.Errorf("flag %q has no getter", fl.Name)
			return
		}
		field.Set(reflect.ValueOf(getter.Get()))
	})
	return err
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Flags with default values are omitted.
func (c *Config) ToFlags() []string {
	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	var rv []string
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	switch v := field.Interface().(type) {
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case string:
		return v
	case time.Duration:
		return v.String()
	default:
		panic(fmt.Sprintf("unsupported type %T", v))
	}
}
