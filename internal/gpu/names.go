package gpu

import (
	"strconv"
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"
)

var (
	pciOnce sync.Once
	pciDB   *pcidb.PCIDB
	pciErr  error
)

// Namer picks a display name for a device reported by nvidia-smi.
type Namer struct {
	byBus map[string]Info
}

// NewNamer indexes discovered cards by bus address.
func NewNamer(cards []Info) *Namer {
	byBus := make(map[string]Info, len(cards))
	for _, card := range cards {
		if card.PCI != "" {
			byBus[card.PCI] = card
		}
	}
	return &Namer{byBus: byBus}
}

// Name returns reported when it is meaningful, otherwise a PCI database
// lookup of the nvidia-smi ids ("0x268410DE" style), then the discovered card
// name, then a generic label.
func (n *Namer) Name(index int, busID, reported, deviceID, subDeviceID string) string {
	reported = strings.TrimSpace(reported)
	if !isPlaceholderName(reported) {
		return reported
	}

	devVendor, device := splitSMIID(deviceID)
	subVendor, subDevice := splitSMIID(subDeviceID)
	if devVendor == "" {
		devVendor = nvidiaVendorID
	}
	if resolved := lookupGPUName(devVendor, device, subVendor, subDevice); resolved != "" {
		return resolved
	}

	if n != nil {
		if card, ok := n.byBus[NormalizeBusID(busID)]; ok && card.Name != "" {
			return card.Name
		}
	}
	return "GPU " + strconv.Itoa(index)
}

// splitSMIID splits nvidia-smi's packed 0xDDDDVVVV identifier into its
// vendor and device halves.
func splitSMIID(raw string) (vendor, device string) {
	value := normalizePCIID(raw)
	if len(value) != 8 {
		return "", ""
	}
	return value[4:], value[:4]
}

func lookupGPUName(vendorID, deviceID, subVendorID, subDeviceID string) string {
	vendorID = normalizePCIID(vendorID)
	deviceID = normalizePCIID(deviceID)
	if vendorID == "" || deviceID == "" {
		return ""
	}

	db := loadPCIDatabase()
	if db == nil {
		return ""
	}

	product, ok := db.Products[vendorID+deviceID]
	if !ok || product == nil {
		return ""
	}

	subVendorID = normalizePCIID(subVendorID)
	subDeviceID = normalizePCIID(subDeviceID)
	if subVendorID != "" && subDeviceID != "" {
		for _, subsystem := range product.Subsystems {
			if subsystem == nil {
				continue
			}
			if strings.EqualFold(subsystem.VendorID, subVendorID) && strings.EqualFold(subsystem.ID, subDeviceID) && subsystem.Name != "" {
				return subsystem.Name
			}
		}
	}

	return product.Name
}

func loadPCIDatabase() *pcidb.PCIDB {
	pciOnce.Do(func() {
		pciDB, pciErr = pcidb.New()
	})
	if pciErr != nil || pciDB == nil {
		return nil
	}
	return pciDB
}

func normalizePCIID(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "0x")
	value = strings.TrimPrefix(value, "0X")
	if value == "" {
		return ""
	}
	value = strings.ToLower(value)
	if len(value) < 4 {
		value = strings.Repeat("0", 4-len(value)) + value
	}
	return value
}

func shouldUseResolvedName(current, resolved string) bool {
	return resolved != "" && isPlaceholderName(current)
}

func isPlaceholderName(current string) bool {
	lower := strings.ToLower(strings.TrimSpace(current))
	switch lower {
	case "", "nvidia", "unknown", "n/a", "[n/a]", "[not supported]":
		return true
	}
	return strings.HasPrefix(lower, "pci device") || strings.HasPrefix(lower, "0x")
}
