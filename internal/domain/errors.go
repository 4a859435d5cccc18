// Copyright (c) 2025, the dlwatch contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "errors"

var (
	// ErrUnauthorized means the remote service rejected our credentials.
	// A reconcile pass that hits this aborts without touching the store;
	// retrying faster than the normal interval will not help.
	ErrUnauthorized = errors.New("remote rejected credentials")

	// ErrTransient covers network and timeout failures. The pass is
	// skipped and picked up again on the next tick.
	ErrTransient = errors.New("transient remote failure")
)
