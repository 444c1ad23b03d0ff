package flasher

import (
	"path/filepath"
	"strings"

	"kalico-flash/internal/flasherr"
	"kalico-flash/internal/model"
)

// Preflight checks that the tools the device's method pair needs exist.
// Missing hard requirements are an error; anything that only degrades the
// run is returned as a warning.
func (f *Flasher) Preflight(d *model.Device) ([]string, error) {
	var problems, warnings []string
	needPython := false

	if d.BootloaderMethod == model.BootloaderSerial || d.FlashMethod == model.FlashKatapult || d.FlashMethod == model.FlashKatapultCAN {
		if tool := f.flashtool(); !isFile(tool) {
			problems = append(problems, "Katapult flashtool not found: "+tool)
		}
		needPython = true
	}
	if d.BootloaderMethod == model.BootloaderUSB {
		if script := filepath.Join(f.opts.KlipperDir, "scripts", "flash_usb.py"); !isFile(script) {
			problems = append(problems, "flash_usb.py not found: "+script)
		}
		needPython = true
	}
	if d.FlashMethod == model.FlashSDCard {
		if script := filepath.Join(f.opts.KlipperDir, "scripts", "flash-sdcard.sh"); !isFile(script) {
			problems = append(problems, "flash-sdcard.sh not found: "+script)
		}
	}
	if d.FlashMethod == model.FlashMake {
		if _, err := f.run.LookPath("make"); err != nil {
			problems = append(problems, "`make` not found in PATH")
		}
	}
	if needPython {
		if _, err := f.run.LookPath("python3"); err != nil && KlippyPython(f.opts.KlipperDir) == "python3" {
			problems = append(problems, "`python3` not found in PATH")
		}
	}

	for _, bin := range []string{"systemctl", "sudo"} {
		if _, err := f.run.LookPath(bin); err != nil {
			warnings = append(warnings, "`"+bin+"` not found; the Klipper service cannot be stopped for the flash")
		}
	}

	if len(problems) > 0 {
		return warnings, flasherr.New(flasherr.PreflightFailed, "preflight", strings.Join(problems, "; "))
	}
	return warnings, nil
}
