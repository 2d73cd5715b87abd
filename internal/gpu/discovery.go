package gpu

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/jaypipes/ghw"
)

const nvidiaVendorID = "10de"

// Info describes a single NVIDIA device found on the PCI bus.
type Info struct {
	Index  int    `json:"index"`
	PCI    string `json:"pci"`
	PCIID  string `json:"pci_id"`
	Name   string `json:"name"`
	Driver string `json:"driver,omitempty"`
}

// cardLister is swapped out in tests.
var cardLister = func() ([]*ghw.GraphicsCard, error) {
	info, err := ghw.GPU()
	if err != nil {
		return nil, err
	}
	return info.GraphicsCards, nil
}

// Discover enumerates NVIDIA graphics cards. A host without a readable PCI
// topology yields an empty list and an error the caller may log and ignore.
func Discover(logger *slog.Logger) ([]Info, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	cards, err := cardLister()
	if err != nil {
		return nil, fmt.Errorf("enumerate graphics cards: %w", err)
	}

	infos := fromCards(cards)
	logger.Debug("gpu discovery complete", "cards", len(cards), "nvidia", len(infos))
	return infos, nil
}

func fromCards(cards []*ghw.GraphicsCard) []Info {
	infos := make([]Info, 0, len(cards))
	for _, card := range cards {
		if card == nil || card.DeviceInfo == nil || card.DeviceInfo.Vendor == nil {
			continue
		}
		dev := card.DeviceInfo
		if !strings.EqualFold(dev.Vendor.ID, nvidiaVendorID) {
			continue
		}

		info := Info{
			Index:  card.Index,
			PCI:    NormalizeBusID(card.Address),
			Driver: strings.TrimSpace(dev.Driver),
		}

		var deviceID, subVendor, subDevice string
		if dev.Product != nil {
			deviceID = normalizePCIID(dev.Product.ID)
			info.Name = strings.TrimSpace(dev.Product.Name)
		}
		if dev.Subsystem != nil {
			subDevice = dev.Subsystem.ID
			subVendor = dev.Subsystem.VendorID
		}
		if deviceID != "" {
			info.PCIID = nvidiaVendorID + ":" + deviceID
		}

		resolved := lookupGPUName(nvidiaVendorID, deviceID, subVendor, subDevice)
		if shouldUseResolvedName(info.Name, resolved) {
			info.Name = resolved
		}

		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].PCI < infos[j].PCI })
	return infos
}

// NormalizeBusID reduces PCI addresses to domain:bus:device.function with a
// four digit domain, so "00000000:01:00.0" and "0000:01:00.0" compare equal.
func NormalizeBusID(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return ""
	}
	domain, rest, ok := strings.Cut(value, ":")
	if !ok || strings.Count(rest, ":") != 1 {
		return value
	}
	domain = strings.TrimLeft(domain, "0")
	if len(domain) < 4 {
		domain = strings.Repeat("0", 4-len(domain)) + domain
	}
	return domain + ":" + rest
}
