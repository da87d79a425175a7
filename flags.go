// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"flag"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// stringList is a flag.Value accepting a comma-separated list of
// values, optionally restricted to a set of choices. Repeating the
// flag appends to the list. The first Set replaces the default.
type stringList struct {
	values  []string
	choices []string
	set     bool
}

func newStringList(defaults []string, choices ...string) *stringList {
	return &stringList{values: defaults, choices: choices}
}

func (sl *stringList) String() string {
	if sl == nil {
		return ""
	}
	return strings.Join(sl.values, ",")
}

func (sl *stringList) Set(s string) error {
	if !sl.set {
		sl.values = nil
		sl.set = true
	}
	for _, v := range strings.Split(s, ",") {
		if v == "" {
			continue
		}
		if len(sl.choices) > 0 && indexOf(sl.choices, v) < 0 {
			return fmt.Errorf("invalid choice %q (choose from %s)", v, strings.Join(sl.choices, ", "))
		}
		sl.values = append(sl.values, v)
	}
	return nil
}

// Values returns the distinct values in sorted order.
func (sl *stringList) Values() []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range sl.values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// floatList is the numeric counterpart of stringList. check, if not
// nil, validates each value.
type floatList struct {
	values []float64
	check  func(float64) error
	set    bool
}

func newFloatList(defaults []float64, check func(float64) error) *floatList {
	return &floatList{values: defaults, check: check}
}

func (fl *floatList) String() string {
	if fl == nil {
		return ""
	}
	var s []string
	for _, v := range fl.values {
		s = append(s, strconv.FormatFloat(v, 'g', -1, 64))
	}
	return strings.Join(s, ",")
}

func (fl *floatList) Set(s string) error {
	if !fl.set {
		fl.values = nil
		fl.set = true
	}
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return fmt.Errorf("%q: must be a valid floating point number", part)
		}
		if fl.check != nil {
			if err := fl.check(v); err != nil {
				return fmt.Errorf("%q: %w", part, err)
			}
		}
		fl.values = append(fl.values, v)
	}
	return nil
}

func (fl *floatList) Values() []float64 {
	seen := map[float64]bool{}
	var out []float64
	for _, v := range fl.values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Float64s(out)
	return out
}

func checkUnitInterval(v float64) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("must be > 0 and <= 1")
	}
	return nil
}

func checkNonNegative(v float64) error {
	if v < 0 {
		return fmt.Errorf("must be >= 0")
	}
	return nil
}

// expandListArgs rewrites "--name a b c" as "--name=a,b,c" for each
// flag registered in flags with a stringList or floatList value.
// Other arguments are passed through.
func expandListArgs(flags *flag.FlagSet, args []string) []string {
	isList := func(arg string) bool {
		name := strings.TrimLeft(arg, "-")
		if name == arg || strings.Contains(name, "=") {
			return false
		}
		f := flags.Lookup(name)
		if f == nil {
			return false
		}
		switch f.Value.(type) {
		case *stringList, *floatList:
			return true
		}
		return false
	}
	var out []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			out = append(out, args[i:]...)
			break
		}
		if !isList(arg) {
			out = append(out, arg)
			continue
		}
		var vals []string
		for i+1 < len(args) && !isFlagArg(args[i+1]) {
			i++
			vals = append(vals, args[i])
		}
		if len(vals) == 0 {
			out = append(out, arg)
		} else {
			out = append(out, arg+"="+strings.Join(vals, ","))
		}
	}
	return out
}

// isFlagArg returns true if arg looks like a flag rather than a
// value. Negative numbers are values.
func isFlagArg(arg string) bool {
	if len(arg) < 2 || arg[0] != '-' {
		return false
	}
	_, err := strconv.ParseFloat(arg, 64)
	return err != nil
}
