/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package memory

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// linuxProcess reads another process with process_vm_readv. Modules are the file-backed
// mappings of /proc/<pid>/maps grouped by path, which also covers PE images mapped by Wine.
type linuxProcess struct {
	pid      int
	mainHint string
}

// OpenLive attaches to pid for reading. mainHint names the main module (e.g. "Game.exe");
// when empty the target's executable is used.
func OpenLive(pid uint32, mainHint string) (Reader, error) {
	if _, err := os.Stat(fmt.Sprintf("/proc/%d", pid)); err != nil {
		return nil, fmt.Errorf("pid %d: %w", pid, err)
	}
	if mainHint == "" {
		if exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid)); err == nil {
			mainHint = filepath.Base(exe)
		}
	}
	return &linuxProcess{pid: int(pid), mainHint: mainHint}, nil
}

func (l *linuxProcess) PointerSize() int { return 8 }

func (l *linuxProcess) ReadMemory(addr uint64, size int) ([]byte, error) {
	buf := make([]byte, size)
	if size == 0 {
		return buf, nil
	}
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(size)
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: size}}
	n, err := unix.ProcessVMReadv(l.pid, local, remote, 0)
	if err != nil {
		return nil, fmt.Errorf("%#x+%#x: %w", addr, size, err)
	}
	if n != size {
		return nil, fmt.Errorf("%#x+%#x: short read: %w", addr, size, ErrUnreadable)
	}
	return buf, nil
}

type mapping struct {
	Region
	path string
}

func (l *linuxProcess) maps() ([]mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", l.pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []mapping
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// 7f2c1e400000-7f2c1e421000 r-xp 00000000 08:01 1234 /path/to/file
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		lo, hi, found := strings.Cut(fields[0], "-")
		if !found {
			continue
		}
		start, err := strconv.ParseUint(lo, 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(hi, 16, 64)
		if err != nil || end <= start {
			continue
		}
		m := mapping{Region: Region{Base: start, Size: end - start}}
		perms := fields[1]
		if strings.Contains(perms, "r") {
			m.Prot |= ProtRead
		}
		if strings.Contains(perms, "w") {
			m.Prot |= ProtWrite
		}
		if strings.Contains(perms, "x") {
			m.Prot |= ProtExec
		}
		if len(fields) >= 6 {
			m.path = strings.Join(fields[5:], " ")
		}
		out = append(out, m)
	}
	return out, scanner.Err()
}

func (l *linuxProcess) Regions() ([]Region, error) {
	maps, err := l.maps()
	if err != nil {
		return nil, err
	}
	out := make([]Region, 0, len(maps))
	for _, m := range maps {
		// vsyscall is listed but never readable from outside
		if m.path == "[vsyscall]" {
			continue
		}
		out = append(out, m.Region)
	}
	return out, nil
}

func (l *linuxProcess) Modules() ([]Module, error) {
	maps, err := l.maps()
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]*Module)
	var order []string
	for _, m := range maps {
		if m.path == "" || strings.HasPrefix(m.path, "[") {
			continue
		}
		mod, ok := byPath[m.path]
		if !ok {
			byPath[m.path] = &Module{Name: filepath.Base(m.path), Base: m.Base, Size: m.Size}
			order = append(order, m.path)
			continue
		}
		if m.End() > mod.Base+mod.Size {
			mod.Size = m.End() - mod.Base
		}
	}

	mods := make([]Module, 0, len(order))
	for _, path := range order {
		mods = append(mods, *byPath[path])
	}
	sort.SliceStable(mods, func(i, j int) bool {
		return strings.EqualFold(mods[i].Name, l.mainHint) && !strings.EqualFold(mods[j].Name, l.mainHint)
	})
	return mods, nil
}
