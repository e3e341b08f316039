// SPDX-License-Identifier: Apache-2.0

package sspi

import "log/slog"

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// statusAttr formats an error's status for log records.
func statusAttr(err error) slog.Attr {
	return slog.String("status", StatusOf(err).String())
}
