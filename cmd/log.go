package cmd

import (
	"log/slog"
	"os"

	"github.com/pkg/errors"
	"hermannm.dev/devlog"
)

var logLevel slog.LevelVar

func setupLogging(level string) error {
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		return errors.Wrapf(err, "log level %q", level)
	}
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stderr, &devlog.Options{Level: &logLevel})))
	return nil
}
