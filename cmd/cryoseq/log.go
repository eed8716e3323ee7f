package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/mattn/go-colorable"
	color "github.com/mgutz/ansi"
	"github.com/rs/zerolog"
)

var levelColors = map[string]string{
	"trace": "magenta",
	"debug": "yellow",
	"info":  "green",
	"warn":  "yellow",
	"error": "red",
	"fatal": "red",
	"panic": "red",
}

// formatLevel prints the level as a colored [LEVEL] tag
func formatLevel(i interface{}) string {
	lvl := fmt.Sprintf("%v", i)
	tag := strings.ToUpper("[" + lvl + "]")
	if c, ok := levelColors[lvl]; ok {
		tag = color.Color(tag, c)
	}
	return tag + "\t"
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), err
	}
	out := zerolog.NewConsoleWriter()
	if runtime.GOOS == "windows" {
		out.Out = colorable.NewColorableStderr()
	} else {
		out.Out = os.Stderr
	}
	out.TimeFormat = "15:04:05"
	out.FormatLevel = formatLevel
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}
