//go:build !unix

package core

import (
	"errors"
	"io/fs"
)

func isCrossDevice(err error) bool {
	return false
}

func isPermission(err error) bool {
	return errors.Is(err, fs.ErrPermission)
}
