/*
Copyright 2011 Google Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package jsonconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// State for config parsing and expression evaluation. Unlike the
// source this is adapted from, the storage service carries no
// recursive "_fileobj" include directive: its configuration is one
// flat JSON object (or purely env vars; see internal/config), so the
// only expression this parser expands is "_env".
type configParser struct {
	RootJson Obj
}

// Validates variable names for config _env expressions.
var envPattern = regexp.MustCompile(`\$\{[A-Za-z0-9_]+\}`)

// ReadFile decodes and evaluates a JSON config file.
func ReadFile(configPath string) (Obj, error) {
	configPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to expand absolute path for %s", configPath)
	}
	f, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %s, %v", configPath, err)
	}
	defer f.Close()

	decoded := make(map[string]interface{})
	if err := json.NewDecoder(f).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("error parsing JSON object in config file %s:\n%v", f.Name(), err)
	}

	c := &configParser{}
	if err := c.evaluateExpressions(decoded); err != nil {
		return nil, fmt.Errorf("error expanding JSON config expressions in %s:\n%v", f.Name(), err)
	}
	return Obj(decoded), nil
}

type expanderFunc func(c *configParser, v []interface{}) (interface{}, error)

func namedExpander(name string) (expanderFunc, bool) {
	if name == "_env" {
		return expanderFunc((*configParser).expandEnv), true
	}
	return nil, false
}

func (c *configParser) evalValue(v interface{}) (interface{}, error) {
	sl, ok := v.([]interface{})
	if !ok {
		return v, nil
	}
	if name, ok := sl[0].(string); ok {
		if expander, ok := namedExpander(name); ok {
			return expander(c, sl[1:])
		}
	}
	for i, oldval := range sl {
		newval, err := c.evalValue(oldval)
		if err != nil {
			return nil, err
		}
		sl[i] = newval
	}
	return v, nil
}

func (c *configParser) evaluateExpressions(m map[string]interface{}) error {
	for k, ei := range m {
		switch subval := ei.(type) {
		case string, bool, float64, nil:
			continue
		case []interface{}:
			if len(subval) == 0 {
				continue
			}
			var err error
			m[k], err = c.evalValue(subval)
			if err != nil {
				return err
			}
		case map[string]interface{}:
			if err := c.evaluateExpressions(subval); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unhandled type %T", ei)
		}
	}
	return nil
}

// expandEnv permits either ["_env", "VARIABLE"] (required to be set)
// or ["_env", "VARIABLE", "default_value"].
func (c *configParser) expandEnv(v []interface{}) (interface{}, error) {
	hasDefault := false
	def := ""
	if len(v) < 1 || len(v) > 2 {
		return "", fmt.Errorf("_env expansion expected 1 or 2 args, got %d", len(v))
	}
	s, ok := v[0].(string)
	if !ok {
		return "", fmt.Errorf("expected a string after _env expansion; got %#v", v[0])
	}
	boolDefault, wantsBool := false, false
	if len(v) == 2 {
		hasDefault = true
		switch vdef := v[1].(type) {
		case string:
			def = vdef
		case bool:
			wantsBool = true
			boolDefault = vdef
		default:
			return "", fmt.Errorf("expected default value in %q _env expansion; got %#v", s, v[1])
		}
	}
	var err error
	expanded := envPattern.ReplaceAllStringFunc(s, func(match string) string {
		envVar := match[2 : len(match)-1]
		val := os.Getenv(envVar)
		if val == "" {
			if hasDefault {
				return def
			}
			err = fmt.Errorf("couldn't expand environment variable %q", envVar)
		}
		return val
	})
	if wantsBool {
		if expanded == "" {
			return boolDefault, nil
		}
		return strconv.ParseBool(expanded)
	}
	return expanded, err
}
