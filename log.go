package colloquy

import "log/slog"

// nopLogger discards everything. Components log through it unless the caller
// installs a real logger via an option.
var nopLogger = slog.New(slog.DiscardHandler)
