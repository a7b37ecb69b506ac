/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/pkg/profile"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/exp/slices"

	"github.com/mandiant/UEReSym/finder"
	"github.com/mandiant/UEReSym/layout"
	"github.com/mandiant/UEReSym/logging"
	"github.com/mandiant/UEReSym/memory"
	"github.com/mandiant/UEReSym/names"
	"github.com/mandiant/UEReSym/objects"
	"github.com/mandiant/UEReSym/offsets"
)

// how long a fatal error stays on screen before the process exits
const fatalDelay = 3 * time.Second

type ModuleMetadata struct {
	Name    string
	Base    uint64
	Size    uint64
	Exports []memory.Export
	Imports []string
}

type ObjectTableMetadata struct {
	VA        uint64
	Shape     string
	Num       int
	ChunkSize int
	Stride    int
}

type NameTableMetadata struct {
	VA             uint64
	Shape          string
	CasePreserving bool
	OutlineNumbers bool
}

type ExtractMetadata struct {
	Module      ModuleMetadata
	ObjectTable ObjectTableMetadata
	NameTable   NameTableMetadata
	Offsets     *offsets.Table
	Structs     []*layout.Info
	Enums       []*layout.EnumInfo
}

type options struct {
	fullScan bool
	policy   offsets.Policy
	saveDir  string
}

func main_impl(r memory.Reader, opts options) (metadata ExtractMetadata, err error) {
	p, err := memory.New(r)
	if err != nil {
		return ExtractMetadata{}, fmt.Errorf("invalid target: %w", err)
	}
	mod, err := p.MainModule()
	if err != nil {
		return ExtractMetadata{}, fmt.Errorf("no main module: %w", err)
	}
	metadata.Module = ModuleMetadata{Name: mod.Name, Base: mod.Base, Size: mod.Size}
	if metadata.Module.Exports, err = p.Exports(mod); err != nil {
		logging.Logger().Warnf("reading the exports of %s: %v", mod.Name, err)
	}
	if metadata.Module.Imports, err = p.Imports(mod); err != nil {
		logging.Logger().Warnf("reading the imports of %s: %v", mod.Name, err)
	}

	objs, err := objects.Locate(p, objects.Options{FullScan: opts.fullScan})
	if err != nil {
		return ExtractMetadata{}, fmt.Errorf("locating the object array: %w", err)
	}
	metadata.ObjectTable = ObjectTableMetadata{
		VA:        objs.Base,
		Shape:     objs.Shape.String(),
		Num:       objs.Num(),
		ChunkSize: objs.ChunkSize,
		Stride:    objs.Stride,
	}

	// without names only the heuristics that need none resolve, the rest take their defaults
	var nameSource finder.NameSource = finder.NoNames{}
	nameTable, err := names.Locate(p)
	if err != nil {
		logging.Logger().Warnf("locating the name table: %v", err)
	} else {
		nameSource = nameTable
		metadata.NameTable = NameTableMetadata{
			VA:             nameTable.Base,
			Shape:          nameTable.Shape.String(),
			CasePreserving: nameTable.CasePreserving(),
			OutlineNumbers: nameTable.HasOutlineNumbers(),
		}
	}

	engine := finder.New(p, objs, nameSource, finder.Config{Policy: opts.policy})
	metadata.Offsets = engine.Discover()

	v := engine.View()
	resolver := layout.NewResolver(layout.RuntimeStructs(v, objs))
	metadata.Structs = resolver.Resolve()
	metadata.Enums = layout.Enums(v, objs)

	if opts.saveDir != "" {
		if err := save(p, mod, objs, nameTable, opts.saveDir); err != nil {
			return metadata, fmt.Errorf("saving snapshot: %w", err)
		}
	}
	return metadata, nil
}

// save captures the main module and every region that holds the tables, a name or an object.
func save(p *memory.Process, mod memory.Module, objs *objects.Table, nameTable *names.Table, dir string) error {
	addrs := []uint64{objs.Base}
	if nameTable != nil {
		addrs = append(addrs, nameTable.Base)
		addrs = append(addrs, nameTable.Storage()...)
	}
	objs.ForEach(func(h objects.Handle) bool {
		addrs = append(addrs, h.Addr)
		return true
	})
	slices.Sort(addrs)

	keep := func(r memory.Region) bool {
		if mod.Contains(r.Base) {
			return true
		}
		i := sort.Search(len(addrs), func(i int) bool { return addrs[i] >= r.Base })
		return i < len(addrs) && r.Contains(addrs[i])
	}
	snap, err := memory.Capture(context.Background(), p, keep, runtime.NumCPU())
	if err != nil {
		return err
	}
	return snap.Save(dir)
}

// openTarget picks the live process or the snapshot named on the command line.
func openTarget(pid int, name, snapshot string) (memory.Reader, error) {
	if snapshot != "" {
		snap, err := memory.LoadSnapshot(snapshot)
		if err != nil {
			return nil, err
		}
		return snap, nil
	}
	hint := ""
	if pid == 0 && name != "" {
		procs, err := process.Processes()
		if err != nil {
			return nil, fmt.Errorf("listing processes: %w", err)
		}
		for _, proc := range procs {
			if n, err := proc.Name(); err == nil && strings.EqualFold(n, name) {
				pid = int(proc.Pid)
				hint = n
				break
			}
		}
		if pid == 0 {
			return nil, fmt.Errorf("no process named %s", name)
		}
	}
	if pid <= 0 {
		return nil, fmt.Errorf("one of -pid, -process or -snapshot must be provided")
	}
	return memory.OpenLive(uint32(pid), hint)
}

// closeTarget releases the handle of a live target. Snapshots hold nothing to release.
func closeTarget(r memory.Reader) {
	if c, ok := r.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logging.Logger().Warnf("closing the target: %v", err)
		}
	}
}

func printForHuman(metadata ExtractMetadata) {
	fmt.Println("-MODULE-")
	fmt.Printf("%-40s %s\n", "Name:", metadata.Module.Name)
	fmt.Printf("%-40s 0x%x\n", "Base:", metadata.Module.Base)
	fmt.Printf("%-40s 0x%x\n", "Size:", metadata.Module.Size)
	fmt.Printf("%-40s %d\n", "Imports:", len(metadata.Module.Imports))
	for _, e := range metadata.Module.Exports {
		fmt.Printf("%-40s 0x%x\n", "Export "+e.Name+":", e.Address)
	}

	fmt.Println("\n-TABLES-")
	fmt.Printf("%-40s 0x%x (%s, %d objects)\n", "Objects:", metadata.ObjectTable.VA, metadata.ObjectTable.Shape, metadata.ObjectTable.Num)
	fmt.Printf("%-40s 0x%x (%s)\n", "Names:", metadata.NameTable.VA, metadata.NameTable.Shape)

	fmt.Println("\n-FEATURES-")
	f := metadata.Offsets.Features
	fmt.Printf("%-40s %v\n", "32-bit:", f.Is32Bit)
	fmt.Printf("%-40s %v\n", "Chunked object array:", f.ChunkedObjectArray)
	fmt.Printf("%-40s %v\n", "Name pool:", f.NamePool)
	fmt.Printf("%-40s %v\n", "FProperty:", f.UseFProperty)
	fmt.Printf("%-40s %v\n", "Outline numbers:", f.OutlineNumber)
	fmt.Printf("%-40s %v\n", "Case preserving names:", f.CasePreservingName)
	fmt.Printf("%-40s %v\n", "Large world coordinates:", f.LargeWorldCoordinates)
	fmt.Printf("%-40s %d\n", "FName size:", f.FNameSize)

	fmt.Println("\n-OFFSETS-")
	fieldNames := metadata.Offsets.Names()
	sort.Strings(fieldNames)
	for _, name := range fieldNames {
		fmt.Printf("%-40s 0x%x\n", name+":", metadata.Offsets.Get(name))
	}

	fmt.Println("\n-STRUCTS-")
	if len(metadata.Structs) == 0 {
		fmt.Println("<NO STRUCTS RESOLVED>")
	}
	for _, s := range metadata.Structs {
		final := ""
		if s.Final {
			final = " final"
		}
		fmt.Printf("%-60s size 0x%x align %d%s\n", s.Path, s.Size, s.Alignment, final)
	}

	fmt.Println("\n-ENUMS-")
	if len(metadata.Enums) == 0 {
		fmt.Println("<NO ENUMS RESOLVED>")
	}
	for _, e := range metadata.Enums {
		fmt.Printf("%-60s %d values, %d bytes\n", e.Path, e.Values, e.Size)
	}
}

func DataToJson(data interface{}) string {
	jsonBytes, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		return "{\"error\": \"failed to format output\"}"
	}
	return string(jsonBytes)
}

func TextToJson(key string, text string) string {
	return fmt.Sprintf("{\"%s\": \"%s\"}", key, text)
}

func fatal(msg string, err error) {
	logging.Logger().Errorf("%s: %v", msg, err)
	logging.Sync()
	fmt.Println(TextToJson("error", fmt.Sprintf("%s: %s", msg, err)))
	time.Sleep(fatalDelay)
	os.Exit(1)
}

func main() {
	pid := flag.Int("pid", 0, "Attach to the process with this id")
	processName := flag.String("process", "", "Attach to the first process with this executable name, ex: Game-Win64-Shipping.exe")
	snapshot := flag.String("snapshot", "", "Replay a snapshot directory instead of attaching to a process")
	saveDir := flag.String("save", "", "After discovery, save the module and the object heap as a snapshot in this directory")
	fullScan := flag.Bool("full", false, "Scan all writable memory for the object array, skipping the .data pass")
	policy := flag.String("policy", "highest", "Tie-break between offsets that all fit the samples: highest, lowest or first")
	humanView := flag.Bool("human", false, "Human view, print information flat rather than json")
	dev := flag.Bool("dev", false, "Human readable, verbose logging")
	prof := flag.Bool("profile", false, "Write a CPU profile to the working directory")

	flag.Parse()

	mode := "production"
	if *dev {
		mode = "development"
	}
	if err := logging.Init(mode); err != nil {
		fmt.Println(TextToJson("error", err.Error()))
		os.Exit(1)
	}
	defer logging.Sync()

	if *prof {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	opts := options{fullScan: *fullScan, saveDir: *saveDir}
	switch strings.ToLower(*policy) {
	case "highest":
		opts.policy = offsets.PolicyHighest
	case "lowest":
		opts.policy = offsets.PolicyLowest
	case "first":
		opts.policy = offsets.PolicyFirst
	default:
		fmt.Println(TextToJson("error", "policy must be highest, lowest or first"))
		os.Exit(1)
	}

	r, err := openTarget(*pid, *processName, *snapshot)
	if err != nil {
		fatal("Failed to open target", err)
	}
	defer closeTarget(r)

	metadata, err := main_impl(r, opts)
	if err != nil {
		fatal("Failed to discover offsets", err)
	}
	if *humanView {
		printForHuman(metadata)
	} else {
		fmt.Println(DataToJson(metadata))
	}
}
