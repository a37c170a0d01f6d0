package main

import (
	"github.com/gen2brain/beeep"

	"clapguard/log"
)

var notifyDesktop = func(title, msg string) error {
	return beeep.Notify(title, msg, "")
}

func desktopNotice(enabled bool, title, msg string) {
	if !enabled {
		return
	}
	go func() {
		if err := notifyDesktop(title, msg); err != nil {
			log.Warnf("desktop notification failed: %v", err)
		}
	}()
}
