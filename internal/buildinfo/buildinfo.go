// Copyright (c) 2025, the dlwatch contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package buildinfo

import "fmt"

var (
	Version = "dev"
	Commit  = ""
	Date    = ""

	// UserAgent is sent on outbound requests to the debrid service and
	// the download device.
	UserAgent = fmt.Sprintf("dlwatch/%s", Version)
)
