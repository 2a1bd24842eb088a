// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build irqldebug

package irql

import "runtime"

func init() {
	armFinalizer = func(t *Token) {
		runtime.SetFinalizer(t, func(t *Token) {
			if !t.lowered {
				panic("irql: Token garbage-collected without Lower being called")
			}
		})
	}
}
