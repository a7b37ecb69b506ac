/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

package memory

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
	"rsc.io/binaryregexp"
)

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return true
}

// Pattern is a compiled byte signature.
type Pattern struct {
	len    int
	rawre  string
	re     *binaryregexp.Regexp
	needle []byte // longest fixed sub-sequence of the pattern
}

func (p *Pattern) String() string { return p.rawre }

// CompilePattern translates a yara-style signature, like:
//
//	{ 48 8D 0D ?? ?? ?? ?? E8 ?? ?? ?? ?? C6 05 ?? ?? ?? ?? 01 }
//
// into a binaryregexp expression, like:
//
//	\x48\x8D\x0D....\xE8....\xC6\x05....\x01
//
// Supported tokens are literal bytes, ?? (any byte), high-nibble masks like 0?, byte gaps
// like [2-4], and alternations like (74|75). The signature is kept readable on purpose;
// every signature the locators use is written this way.
func CompilePattern(pattern string) (*Pattern, error) {
	pattern = strings.TrimSpace(pattern)
	if !strings.HasPrefix(pattern, "{") {
		return nil, errors.New("missing prefix")
	}
	if !strings.HasSuffix(pattern, "}") {
		return nil, errors.New("missing suffix")
	}

	pattern = strings.Trim(pattern, "{}")
	pattern = strings.ReplaceAll(pattern, " ", "")
	pattern = strings.ToLower(pattern)

	patLen := 0
	needle := make([]byte, 0)
	tmpNeedle := make([]byte, 0)
	// any wildcard token ends the current literal run
	breakRun := func() {
		if len(tmpNeedle) > len(needle) {
			needle = slices.Clone(tmpNeedle)
		}
		tmpNeedle = tmpNeedle[:0]
	}

	// (?s) so that . also matches 0x0A
	var sb strings.Builder
	sb.WriteString("(?s)")
	for i := 0; i < len(pattern); {
		if i+1 >= len(pattern) {
			return nil, errors.New("truncated token")
		}
		c := pattern[i : i+1]
		d := pattern[i+1 : i+2]

		switch {
		// input: ??
		// output: .
		case c == "?":
			if d != "?" {
				return nil, errors.New("cannot mask the first nibble")
			}
			sb.WriteString(".")
			i += 2
			patLen++
			breakRun()

		// input: [x-y]
		// output: .{x,y}
		case c == "[":
			end := strings.Index(pattern[i:], "]")
			if end == -1 {
				return nil, errors.New("unbalanced [")
			}
			low, high, found := strings.Cut(pattern[i+1:i+end], "-")
			if !found {
				return nil, errors.New("[] didn't contain a dash")
			}
			lo, err := strconv.Atoi(low)
			if err != nil {
				return nil, errors.New("invalid number")
			}
			hi, err := strconv.Atoi(high)
			if err != nil || hi < lo {
				return nil, errors.New("invalid number")
			}
			sb.WriteString(".{" + low + "," + high + "}")
			i += end + 1
			patLen += hi
			breakRun()

		// input: (AA|BB|CC)
		// output: (\xAA|\xBB|\xCC)
		case c == "(":
			end := strings.Index(pattern[i:], ")")
			if end == -1 {
				return nil, errors.New("unbalanced (")
			}
			choices := strings.Split(pattern[i+1:i+end], "|")
			sb.WriteString("(")
			for j, choice := range choices {
				if len(choice) != 2 || !isHex(choice) {
					return nil, errors.New("choice not hex")
				}
				if j != 0 {
					sb.WriteString("|")
				}
				sb.WriteString(`\x` + strings.ToUpper(choice))
			}
			sb.WriteString(")")
			i += end + 1
			patLen++
			breakRun()

		// input: 0?
		// output: [\x00-\x0F]
		case d == "?":
			if !isHex(c) {
				return nil, errors.New("not hex digit")
			}
			up := strings.ToUpper(c)
			sb.WriteString(`[\x` + up + `0-\x` + up + `F]`)
			i += 2
			patLen++
			breakRun()

		// input: AB
		// output: \xAB
		case isHex(c) && isHex(d):
			byt, err := strconv.ParseUint(c+d, 16, 8)
			if err != nil {
				return nil, errors.New("not hex digit")
			}
			sb.WriteString(`\x` + strings.ToUpper(c+d))
			tmpNeedle = append(tmpNeedle, byte(byt))
			i += 2
			patLen++

		default:
			return nil, errors.New("unexpected value")
		}
	}
	breakRun()

	if patLen == 0 {
		return nil, errors.New("empty pattern")
	}
	r, err := binaryregexp.Compile(sb.String())
	if err != nil {
		return nil, err
	}
	return &Pattern{patLen, sb.String(), r, needle}, nil
}

// MustCompilePattern is for the package-level signatures. It panics on a malformed pattern.
func MustCompilePattern(pattern string) *Pattern {
	p, err := CompilePattern(pattern)
	if err != nil {
		panic("memory: bad pattern " + pattern + ": " + err.Error())
	}
	return p
}

// FindPattern returns all match offsets in data, in ascending order.
func FindPattern(data []byte, pat *Pattern) []int {
	if len(pat.needle) == 0 {
		matches := make([]int, 0)
		for _, m := range pat.re.FindAllIndex(data, -1) {
			matches = append(matches, m[0])
		}
		return matches
	}

	dataLen := len(data)
	seen := make(map[int]bool)
	matches := make([]int, 0)

	// use a memscan for the literal needle to find candidate chunks in the much larger haystack
	for pos := 0; pos < dataLen; {
		idx := bytes.Index(data[pos:], pat.needle)
		if idx < 0 {
			break
		}
		needleMatch := pos + idx
		pos = needleMatch + 1

		// the needle might sit at the very end of the pattern, so widen the
		// window to [-len:len] around it to cover the front too
		start := needleMatch - pat.len
		if start < 0 {
			start = 0
		}
		end := needleMatch + pat.len + len(pat.needle)
		if end > dataLen {
			end = dataLen
		}

		// do the full regex scan on a very small chunk
		for _, reMatch := range pat.re.FindAllIndex(data[start:end], -1) {
			m := reMatch[0] + start
			if !seen[m] {
				seen[m] = true
				matches = append(matches, m)
			}
		}
	}
	slices.Sort(matches)
	return matches
}
