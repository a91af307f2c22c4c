package origin

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"bundled/pkg/types"
)

// ParseIndex decodes the line-oriented index: one bundle per line, fields
// comma-separated as name,version,checksum with unknown trailing fields
// ignored. Malformed lines are skipped with a warning; the rest of the index
// still applies.
func ParseIndex(data []byte, log zerolog.Logger) []types.RemoteEntry {
	var out []types.RemoteEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, ok := parseIndexLine(line)
		if !ok {
			log.Warn().Int("line", lineNo).Str("content", line).Msg("skipping malformed index line")
			continue
		}
		out = append(out, entry)
	}
	return out
}

func parseIndexLine(line string) (types.RemoteEntry, bool) {
	fields := strings.Split(line, ",")
	if len(fields) < 3 {
		return types.RemoteEntry{}, false
	}
	name := strings.TrimSpace(fields[0])
	if !ValidName(name) {
		return types.RemoteEntry{}, false
	}
	version, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 32)
	if err != nil {
		return types.RemoteEntry{}, false
	}
	checksum, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 32)
	if err != nil {
		return types.RemoteEntry{}, false
	}
	return types.RemoteEntry{
		Name:     name,
		Version:  uint32(version),
		Checksum: uint32(checksum),
	}, true
}

// ValidName rejects bundle names that cannot safely map to a cache file
// path: empty names, path separators, and dot-dot segments.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\") {
		return false
	}
	return true
}
