// Copyright 2025 The Quarry Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package invariants provides assertion helpers that compile away unless
// the "invariants" (or "race") build tag is set.
package invariants

import "fmt"

// Assertf panics with the formatted message if we were built with the
// "invariants" or "race" build tags and the condition is false.
func Assertf(cond bool, format string, args ...interface{}) {
	if Enabled && !cond {
		panic(fmt.Sprintf("quarry: internal error: "+format, args...))
	}
}
