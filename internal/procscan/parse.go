package procscan

import (
	"bufio"
	"strings"
)

// rawRow is one process row as text, before any validation.
type rawRow struct {
	pid    string
	name   string
	memory string
}

// processTypes are the type markers nvidia-smi prints in process tables.
var processTypes = map[string]struct{}{
	"C":   {},
	"G":   {},
	"C+G": {},
	"M":   {},
	"M+C": {},
	"M+G": {},
}

// parseComputeApps reads "pid, used_memory, process_name" rows. Everything
// after the second comma belongs to the name.
func parseComputeApps(raw string) []rawRow {
	var rows []rawRow
	for _, line := range lines(raw) {
		parts := strings.SplitN(line, ",", 3)
		if len(parts) < 2 {
			continue
		}
		row := rawRow{
			pid:    strings.TrimSpace(parts[0]),
			memory: strings.TrimSpace(parts[1]),
		}
		if len(parts) == 3 {
			row.name = strings.TrimSpace(parts[2])
		}
		rows = append(rows, row)
	}
	return rows
}

// parseProcessMonitor reads a single "pmon -s m" sample. Column positions
// come from the "# gpu pid type fb ... command" header when present.
func parseProcessMonitor(raw string) []rawRow {
	pidCol, typeCol, memCol, nameCol := 1, 2, 3, -1

	var rows []rawRow
	headerSeen := false
	for _, line := range lines(raw) {
		if strings.HasPrefix(line, "#") {
			if headerSeen {
				continue
			}
			fields := strings.Fields(strings.TrimPrefix(line, "#"))
			for i, field := range fields {
				switch strings.ToLower(field) {
				case "pid":
					pidCol = i
				case "type":
					typeCol = i
				case "fb", "mem":
					memCol = i
				case "command":
					nameCol = i
				}
			}
			headerSeen = true
			continue
		}

		fields := strings.Fields(line)
		if len(fields) <= pidCol || len(fields) <= typeCol {
			continue
		}
		// Idle devices print a row of dashes.
		if fields[pidCol] == "-" && fields[typeCol] == "-" {
			continue
		}

		row := rawRow{pid: fields[pidCol]}
		if memCol < len(fields) {
			row.memory = fields[memCol]
		}
		start := nameCol
		if start < 0 {
			start = len(fields) - 1
		}
		if start < len(fields) && start > typeCol && start > memCol {
			row.name = strings.Join(fields[start:], " ")
		}
		rows = append(rows, row)
	}
	return rows
}

// parsePrimary joins the monitor sample with the compute-app list and the
// status dump. Compute-app name and memory win; otherwise the monitor's
// command name is kept and memory comes from the dump, then the monitor.
func parsePrimary(pmonRaw, appsRaw, dumpRaw string) []rawRow {
	monitor := parseProcessMonitor(pmonRaw)
	if len(monitor) == 0 {
		return nil
	}

	apps := make(map[string]rawRow)
	for _, app := range parseComputeApps(appsRaw) {
		if _, ok := apps[app.pid]; !ok {
			apps[app.pid] = app
		}
	}
	dumpMemory := dumpMemoryByPID(dumpRaw)

	rows := make([]rawRow, 0, len(monitor))
	for _, row := range monitor {
		if app, ok := apps[row.pid]; ok {
			if !isSentinel(app.name) {
				row.name = app.name
			}
			if !isSentinel(app.memory) {
				row.memory = app.memory
				rows = append(rows, row)
				continue
			}
		}
		if mem, ok := dumpMemory[row.pid]; ok && !isSentinel(mem) {
			row.memory = mem
		}
		rows = append(rows, row)
	}
	return rows
}

// parseFallback reads the process table at the end of the status dump.
func parseFallback(dumpRaw string) []rawRow {
	var rows []rawRow
	inTable := false
	for _, line := range lines(dumpRaw) {
		if strings.Contains(line, "Processes:") {
			inTable = true
			continue
		}
		if !inTable || !strings.HasPrefix(line, "|") {
			continue
		}

		body := strings.Trim(line, "|")
		if strings.HasPrefix(strings.TrimSpace(body), "=") {
			continue
		}
		if strings.Contains(body, "No running processes found") {
			return nil
		}
		if row, ok := parseDumpRow(strings.Fields(body)); ok {
			rows = append(rows, row)
		}
	}
	return rows
}

// parseDumpRow locates the type marker and reads pid before it, the name
// after it and memory in the last column.
func parseDumpRow(fields []string) (rawRow, bool) {
	if len(fields) < 4 {
		return rawRow{}, false
	}
	for i := 1; i < len(fields)-1; i++ {
		if _, ok := processTypes[fields[i]]; !ok {
			continue
		}
		row := rawRow{
			pid:    fields[i-1],
			memory: fields[len(fields)-1],
		}
		if i+1 < len(fields)-1 {
			row.name = strings.Join(fields[i+1:len(fields)-1], " ")
		}
		return row, true
	}
	return rawRow{}, false
}

func dumpMemoryByPID(dumpRaw string) map[string]string {
	out := make(map[string]string)
	for _, row := range parseFallback(dumpRaw) {
		if _, ok := out[row.pid]; !ok {
			out[row.pid] = row.memory
		}
	}
	return out
}

func lines(raw string) []string {
	var out []string
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
