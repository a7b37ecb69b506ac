//go:build !linux && !windows

/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package memory

import (
	"errors"
	"runtime"
)

func OpenLive(pid uint32, mainHint string) (Reader, error) {
	return nil, errors.New("attaching to a live process is not supported on " + runtime.GOOS)
}
