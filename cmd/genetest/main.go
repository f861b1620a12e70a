// Copyright (C) The Genetest Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"github.com/epistat/genetest"
)

func main() {
	genetest.Main()
}
