// Package usb lists USB devices through libusb.
package usb

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/gousb"
	"github.com/google/gousb/usbid"
	"github.com/guseggert/winusbinstall/driver"
	"go.uber.org/zap"
)

// Enumerator lists attached devices. Composite devices are listed once as a whole
// and once per interface, so targets can name either.
type Enumerator struct {
	log *zap.SugaredLogger
}

func NewEnumerator(log *zap.SugaredLogger) *Enumerator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Enumerator{log: log.Named("usb")}
}

func (e *Enumerator) EnumerateDevices(ctx context.Context) ([]driver.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	usbctx := gousb.NewContext()
	defer usbctx.Close()

	var descs []*gousb.DeviceDesc
	// devices are only described, never opened
	_, err := usbctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		descs = append(descs, desc)
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("listing usb devices: %w", err)
	}

	var devs []driver.Device
	for _, desc := range descs {
		devs = append(devs, Describe(desc)...)
	}
	sort.SliceStable(devs, func(i, j int) bool { return devs[i].Path < devs[j].Path })
	e.log.Debugw("enumerated", "devices", len(devs))
	return devs, nil
}

// Describe turns a libusb descriptor into the devices an install can target.
func Describe(desc *gousb.DeviceDesc) []driver.Device {
	whole := driver.Device{
		VendorID:    uint16(desc.Vendor),
		ProductID:   uint16(desc.Product),
		Description: usbid.Describe(desc),
		Path:        fmt.Sprintf("%03d:%03d", desc.Bus, desc.Address),
	}
	devs := []driver.Device{whole}

	cfg, ok := firstConfig(desc)
	if !ok || len(cfg.Interfaces) < 2 {
		return devs
	}
	for _, intf := range cfg.Interfaces {
		d := whole
		d.Interface = fmt.Sprintf("MI_%02X", intf.Number)
		d.Path = fmt.Sprintf("%s.%d", whole.Path, intf.Number)
		devs = append(devs, d)
	}
	return devs
}

func firstConfig(desc *gousb.DeviceDesc) (gousb.ConfigDesc, bool) {
	if len(desc.Configs) == 0 {
		return gousb.ConfigDesc{}, false
	}
	nums := make([]int, 0, len(desc.Configs))
	for n := range desc.Configs {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return desc.Configs[nums[0]], true
}
