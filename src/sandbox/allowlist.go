package sandbox

import (
	"sort"

	"fundengine/src/sdk"
)

// allowed maps each importable package to the members code may reference. A nil set
// allows every exported member. Nothing here touches processes, files or the network.
var allowed = map[string]map[string]bool{
	"errors":    nil,
	"math":      nil,
	"math/rand": nil,
	"sort":      nil,
	"strconv":   nil,
	"strings":   nil,
	"unicode":   nil,
	"fmt": set(
		"Sprintf", "Sprint", "Sprintln", "Errorf",
	),
	"time": set(
		"Time", "Duration", "Month", "Weekday", "Date", "Unix", "UnixMilli", "UTC", "Since",
		"Parse", "ParseDuration", "RFC3339", "DateOnly",
		"Nanosecond", "Microsecond", "Millisecond", "Second", "Minute", "Hour",
	),
	sdk.ImportPath: nil,
}

// forbidden imports get a more specific code than import_not_allowed.
var forbidden = map[string]Code{
	"reflect": CodePrivateReflection,
	"unsafe":  CodePrivateReflection,
	"C":       CodeNativeExtension,
	"plugin":  CodeNativeExtension,
	"syscall": CodeNativeExtension,
}

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// AllowedImports lists the import paths sandboxed code may use, sorted.
func AllowedImports() []string {
	out := make([]string, 0, len(allowed))
	for p := range allowed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// AllowedMember reports whether pkgPath.name may be referenced. The interpreter export
// table is filtered through the same rule.
func AllowedMember(pkgPath, name string) bool {
	members, ok := allowed[pkgPath]
	if !ok {
		return false
	}
	return members == nil || members[name]
}
