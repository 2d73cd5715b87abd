package procscan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/nvgputop-web/internal/ledger"
)

func readTestdata(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return string(data)
}

func TestParseComputeAppsKeepsCommasInName(t *testing.T) {
	rows := parseComputeApps(readTestdata(t, "compute_apps.csv"))

	require.Len(t, rows, 2)
	assert.Equal(t, rawRow{pid: "5120", memory: "2050", name: "/usr/bin/python3 train.py --epochs 3, lr 0.1"}, rows[0])
	assert.Equal(t, rawRow{pid: "7781", memory: "[N/A]", name: "/opt/trainer"}, rows[1])
}

func TestParseComputeAppsIgnoresMessages(t *testing.T) {
	assert.Empty(t, parseComputeApps("No running processes found\n"))
	assert.Empty(t, parseComputeApps(""))
}

func TestParseProcessMonitor(t *testing.T) {
	rows := parseProcessMonitor(readTestdata(t, "pmon.txt"))

	require.Len(t, rows, 3)
	assert.Equal(t, rawRow{pid: "2314", memory: "46", name: "Xorg"}, rows[0])
	assert.Equal(t, rawRow{pid: "5120", memory: "2048", name: "python"}, rows[1])
	assert.Equal(t, rawRow{pid: "7781", memory: "-", name: "trainer"}, rows[2])
}

func TestParseProcessMonitorIdle(t *testing.T) {
	assert.Empty(t, parseProcessMonitor(readTestdata(t, "pmon_idle.txt")))
}

func TestParseProcessMonitorWithoutHeader(t *testing.T) {
	rows := parseProcessMonitor("0 42 C 128 cuda_app\n")
	require.Len(t, rows, 1)
	assert.Equal(t, rawRow{pid: "42", memory: "128", name: "cuda_app"}, rows[0])
}

func TestParseFallback(t *testing.T) {
	rows := parseFallback(readTestdata(t, "status_dump.txt"))

	require.Len(t, rows, 3)
	assert.Equal(t, rawRow{pid: "2314", memory: "46MiB", name: "/usr/lib/xorg/Xorg"}, rows[0])
	assert.Equal(t, rawRow{pid: "5120", memory: "2048MiB", name: "python3 train.py"}, rows[1])
	assert.Equal(t, rawRow{pid: "7781", memory: "512MiB", name: "/opt/trainer"}, rows[2])
}

func TestParseFallbackLegacyLayout(t *testing.T) {
	rows := parseFallback(readTestdata(t, "status_dump_legacy.txt"))

	require.Len(t, rows, 3)
	assert.Equal(t, rawRow{pid: "1401", memory: "3012MiB", name: "ollama serve"}, rows[0])
	assert.Equal(t, "-", rows[1].pid)
	assert.Equal(t, "abc", rows[2].pid)
}

func TestParseFallbackNoProcesses(t *testing.T) {
	assert.Empty(t, parseFallback(readTestdata(t, "status_dump_empty.txt")))
	assert.Empty(t, parseFallback("garbage without a table"))
}

func TestDumpMemoryByPID(t *testing.T) {
	mem := dumpMemoryByPID(readTestdata(t, "status_dump.txt"))
	assert.Equal(t, map[string]string{"2314": "46MiB", "5120": "2048MiB", "7781": "512MiB"}, mem)
}

func TestParsePrimaryPrefersComputeApps(t *testing.T) {
	rows := parsePrimary(
		readTestdata(t, "pmon.txt"),
		readTestdata(t, "compute_apps.csv"),
		readTestdata(t, "status_dump.txt"),
	)

	require.Len(t, rows, 3)
	// Graphics process absent from compute apps: pmon name, dump memory.
	assert.Equal(t, rawRow{pid: "2314", memory: "46MiB", name: "Xorg"}, rows[0])
	// Compute app wins on both name and memory.
	assert.Equal(t, rawRow{pid: "5120", memory: "2050", name: "/usr/bin/python3 train.py --epochs 3, lr 0.1"}, rows[1])
	// Compute app name, memory unknown there so the dump fills it.
	assert.Equal(t, rawRow{pid: "7781", memory: "512MiB", name: "/opt/trainer"}, rows[2])
}

func TestParsePrimaryWithoutSecondarySources(t *testing.T) {
	rows := parsePrimary(readTestdata(t, "pmon.txt"), "", "")
	require.Len(t, rows, 3)
	assert.Equal(t, "2048", rows[1].memory)
	assert.Equal(t, "python", rows[1].name)
}

func TestParsePrimaryEmptyMonitor(t *testing.T) {
	assert.Empty(t, parsePrimary(readTestdata(t, "pmon_idle.txt"), readTestdata(t, "compute_apps.csv"), ""))
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		row     rawRow
		want    ledger.Observation
		wantErr bool
	}{
		{"Plain", rawRow{pid: "42", name: "python", memory: "100"}, ledger.Observation{PID: 42, Name: "python", Memory: 100}, false},
		{"MiBSuffix", rawRow{pid: " 42 ", name: "x", memory: "2048MiB"}, ledger.Observation{PID: 42, Name: "x", Memory: 2048}, false},
		{"SpacedSuffix", rawRow{pid: "42", name: "x", memory: "64 MiB"}, ledger.Observation{PID: 42, Name: "x", Memory: 64}, false},
		{"UnknownMemory", rawRow{pid: "42", name: "x", memory: "[N/A]"}, ledger.Observation{PID: 42, Name: "x", Memory: 0}, false},
		{"GarbageMemory", rawRow{pid: "42", name: "x", memory: "lots"}, ledger.Observation{PID: 42, Name: "x", Memory: 0}, false},
		{"NegativeMemory", rawRow{pid: "42", name: "x", memory: "-5"}, ledger.Observation{PID: 42, Name: "x", Memory: 0}, false},
		{"CollapsedName", rawRow{pid: "42", name: "  python3\t train.py   --x ", memory: "1"}, ledger.Observation{PID: 42, Name: "python3 train.py --x", Memory: 1}, false},
		{"QuotedName", rawRow{pid: "42", name: "it's", memory: "1"}, ledger.Observation{PID: 42, Name: "it's", Memory: 1}, false},
		{"SentinelName", rawRow{pid: "42", name: "[N/A]", memory: "1"}, ledger.Observation{PID: 42, Name: "", Memory: 1}, false},
		{"DashPID", rawRow{pid: "-", name: "x"}, ledger.Observation{}, true},
		{"NAPID", rawRow{pid: "N/A", name: "x"}, ledger.Observation{}, true},
		{"TextPID", rawRow{pid: "abc", name: "x"}, ledger.Observation{}, true},
		{"NegativePID", rawRow{pid: "-7", name: "x"}, ledger.Observation{}, true},
		{"ZeroPID", rawRow{pid: "0", name: "x"}, ledger.Observation{}, true},
		{"EmptyPID", rawRow{name: "x"}, ledger.Observation{}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := validate(tc.row)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrMalformedObservation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
