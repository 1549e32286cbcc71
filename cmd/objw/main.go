package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xyproto/env/v2"

	"objwrite/debug"
	"objwrite/internal/arch"
	"objwrite/internal/buffer"
	"objwrite/internal/embed"
	"objwrite/internal/format"
	_ "objwrite/internal/format/all"
	"objwrite/internal/format/coff"
	"objwrite/internal/format/macho"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: objw [options] <file>...\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	fmt.Fprintf(os.Stderr, "  -format <format>   Output format: elf, coff, macho, xcoff (default: $OBJW_FORMAT or elf)\n")
	fmt.Fprintf(os.Stderr, "  -arch <arch>       Target architecture (default: $OBJW_ARCH or x86_64)\n")
	fmt.Fprintf(os.Stderr, "  -endian <order>    Byte order: little, big (default: $OBJW_ENDIAN or the architecture's)\n")
	fmt.Fprintf(os.Stderr, "  -o <file>          Output file\n")
	fmt.Fprintf(os.Stderr, "  -section <role>    Section role: rodata, data, text, rostring (default: rodata)\n")
	fmt.Fprintf(os.Stderr, "  -align <n>         Alignment of each file (default: 1)\n")
	fmt.Fprintf(os.Stderr, "  -comdat            Put each file in its own section group\n")
	fmt.Fprintf(os.Stderr, "  -hidden            Do not export the symbols from the linked image\n")
	fmt.Fprintf(os.Stderr, "  -table <name>      Add a table of {address, size} pairs\n")
	fmt.Fprintf(os.Stderr, "  -subsections       Use subsections via symbols (Mach-O)\n")
	fmt.Fprintf(os.Stderr, "  -arm64e            Mark a Mach-O arm64 object as arm64e\n")
	fmt.Fprintf(os.Stderr, "  -min-os <version>  Add a macOS build version to a Mach-O object\n")
	fmt.Fprintf(os.Stderr, "  -exports <style>   Add linker export directives: msvc, gnu (COFF)\n")
	fmt.Fprintf(os.Stderr, "  -v                 Verbose output (also $OBJW_VERBOSE)\n")
	os.Exit(2)
}

func fatalf(f string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+f+"\n", args...)
	os.Exit(1)
}

func parseSection(s string) (format.StandardSection, bool) {
	switch strings.ToLower(s) {
	case "rodata", "rdata", "const":
		return format.SectionReadOnlyData, true
	case "data":
		return format.SectionData, true
	case "text", "code":
		return format.SectionText, true
	case "rostring", "cstring":
		return format.SectionReadOnlyString, true
	case "tls", "tdata":
		return format.SectionTls, true
	default:
		return 0, false
	}
}

func parseExportStyle(s string) (coff.ExportStyle, bool) {
	switch strings.ToLower(s) {
	case "msvc", "link":
		return coff.ExportMSVC, true
	case "gnu", "ld":
		return coff.ExportGNU, true
	default:
		return 0, false
	}
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	var (
		targetFormat = format.ParseFormat(env.Str("OBJW_FORMAT", "elf"))
		targetArch   = arch.ParseArch(env.Str("OBJW_ARCH", "x86_64"))
		endianName   = env.Str("OBJW_ENDIAN")
		verbose      = env.Bool("OBJW_VERBOSE")
		outputFile   string
		tableName    string
		subsections  bool
		arm64e       bool
		minOS        string
		exports      string
		opts         = embed.Options{Section: format.SectionReadOnlyData, Align: 1}
		inputs       []string
	)

	arg := func(i int) string {
		if i+1 >= len(os.Args) {
			fatalf("%s requires argument", os.Args[i])
		}
		return os.Args[i+1]
	}

	i := 1
	for i < len(os.Args) {
		a := os.Args[i]
		if !strings.HasPrefix(a, "-") {
			inputs = append(inputs, a)
			i++
			continue
		}
		switch a {
		case "-format":
			targetFormat = format.ParseFormat(arg(i))
			if targetFormat == format.FormatUnknown {
				fatalf("unknown format: %s", os.Args[i+1])
			}
			i += 2
		case "-arch":
			targetArch = arch.ParseArch(arg(i))
			if targetArch == arch.ArchUnknown {
				fatalf("unknown architecture: %s", os.Args[i+1])
			}
			i += 2
		case "-endian":
			endianName = arg(i)
			i += 2
		case "-o":
			outputFile = arg(i)
			i += 2
		case "-section":
			s, ok := parseSection(arg(i))
			if !ok {
				fatalf("unknown section: %s", os.Args[i+1])
			}
			opts.Section = s
			i += 2
		case "-align":
			n, err := strconv.ParseUint(arg(i), 0, 64)
			if err != nil || n == 0 || n&(n-1) != 0 {
				fatalf("alignment must be a power of two: %s", os.Args[i+1])
			}
			opts.Align = n
			i += 2
		case "-table":
			tableName = arg(i)
			i += 2
		case "-comdat":
			opts.Comdat = true
			i++
		case "-hidden":
			opts.Hidden = true
			i++
		case "-subsections":
			subsections = true
			i++
		case "-min-os":
			minOS = arg(i)
			i += 2
		case "-exports":
			exports = arg(i)
			i += 2
		case "-arm64e":
			arm64e = true
			i++
		case "-v":
			verbose = true
			i++
		case "-h", "-help", "--help":
			usage()
		default:
			fatalf("unknown option: %s", a)
		}
	}

	if len(inputs) == 0 {
		fatalf("no input files specified")
	}
	if targetFormat == format.FormatUnknown {
		fatalf("unknown format in OBJW_FORMAT")
	}
	if targetArch == arch.ArchUnknown {
		fatalf("unknown architecture in OBJW_ARCH")
	}
	endian := targetArch.DefaultEndianness()
	if endianName != "" {
		var ok bool
		if endian, ok = arch.ParseEndianness(endianName); !ok {
			fatalf("unknown byte order: %s", endianName)
		}
	}

	obj, err := format.New(targetFormat, targetArch, endian)
	if err != nil {
		fatalf("%v", err)
	}
	if arm64e {
		obj.SetSubArchitecture(arch.SubArchARM64E)
	}
	if subsections {
		obj.SetSubsectionsViaSymbols()
	}
	if minOS != "" {
		if targetFormat != format.FormatMachO {
			fatalf("-min-os requires -format macho")
		}
		v, err := parseVersion(minOS)
		if err != nil {
			fatalf("%v", err)
		}
		macho.SetBuildVersion(obj, macho.BuildVersion{Platform: platformMacOS, MinOS: v, SDK: v})
	}

	if outputFile == "" {
		base := filepath.Base(inputs[0])
		outputFile = strings.TrimSuffix(base, filepath.Ext(base)) + obj.Policy().Extension()
	}
	if targetFormat != format.FormatMachO {
		obj.AddFileSymbol([]byte(filepath.Base(outputFile)))
	}

	e := embed.New(obj, opts)
	for _, in := range inputs {
		b, err := e.AddFile(in)
		if err != nil {
			fatalf("%v", err)
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "embed %s: _binary_%s_start, %d bytes at %#x in %s\n",
				in, b.Name, b.Len, b.Offset, obj.Section(b.Section).Name())
		}
	}
	if tableName != "" {
		if _, err := e.Table(tableName); err != nil {
			fatalf("%v", err)
		}
	}
	if exports != "" {
		if targetFormat != format.FormatCOFF {
			fatalf("-exports requires -format coff")
		}
		style, ok := parseExportStyle(exports)
		if !ok {
			fatalf("unknown export style: %s", exports)
		}
		coff.AddExports(obj, style)
	}

	if err := writeObject(obj, outputFile); err != nil {
		os.Remove(outputFile)
		fatalf("%v", err)
	}

	fmt.Printf("Wrote %s (%s, %s, %s endian, %d files)\n", outputFile, targetFormat, targetArch, endian, len(inputs))
	if verbose {
		sum, err := debug.CheckFile(outputFile)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Fprintf(os.Stderr, "check sum is %s\n", sum)
	}
}

const platformMacOS = 1

// parseVersion encodes "major[.minor[.patch]]" as xxxx.yy.zz nibbles.
func parseVersion(s string) (uint32, error) {
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return 0, fmt.Errorf("bad version %q", s)
	}
	var v [3]uint64
	limits := [3]uint64{0xffff, 0xff, 0xff}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil || n > limits[i] {
			return 0, fmt.Errorf("bad version %q", s)
		}
		v[i] = n
	}
	return uint32(v[0]<<16 | v[1]<<8 | v[2]), nil
}

func writeObject(obj *format.Object, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := buffer.NewFile(f)
	if err := obj.Emit(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}
