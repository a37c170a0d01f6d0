package hotkey

import "golang.design/x/hotkey"

var modAlt = hotkey.ModOption
