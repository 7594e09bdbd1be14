//go:build !unix

package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func hostInput(_ *logrus.Logger) *os.File {
	return os.Stdin
}
