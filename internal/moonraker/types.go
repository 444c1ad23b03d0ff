package moonraker

// PrintStatus is the printer's job state.
type PrintStatus struct {
	State    string  `json:"state"`
	Filename string  `json:"filename,omitempty"`
	Progress float64 `json:"progress"`
}

// MCU is one mcu object reported by Klipper.
type MCU struct {
	Object  string `json:"object"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Chip    string `json:"chip,omitempty"`
}

// ConfigMCU is the connection section of one mcu object in printer.cfg.
type ConfigMCU struct {
	Serial     string `json:"serial,omitempty"`
	CANBusUUID string `json:"canbusUuid,omitempty"`
}

// envelope is the common {"result": ...} wrapper.
type envelope[T any] struct {
	Result T `json:"result"`
}

type objectsList struct {
	Objects []string `json:"objects"`
}

type queryResult[T any] struct {
	Status T `json:"status"`
}

type printStatusObjects struct {
	PrintStats struct {
		State    *string `json:"state"`
		Filename string  `json:"filename"`
	} `json:"print_stats"`
	VirtualSDCard struct {
		Progress float64 `json:"progress"`
	} `json:"virtual_sdcard"`
}

type mcuObject struct {
	MCUVersion   *string `json:"mcu_version"`
	MCUConstants struct {
		MCU string `json:"MCU"`
	} `json:"mcu_constants"`
}

type configfileObjects struct {
	Configfile struct {
		Settings map[string]map[string]any `json:"settings"`
	} `json:"configfile"`
}
