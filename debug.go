//go:build sftpdebug

package sftpc

import "log"

func debug(fmt string, args ...interface{}) {
	log.Printf(fmt, args...)
}
