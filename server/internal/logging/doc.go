// Package logging builds the process slog.Logger from the logging config
// section. The level lives in a slog.LevelVar so a config reload can change
// it without replacing the logger.
package logging
