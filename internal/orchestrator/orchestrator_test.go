package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"kalico-flash/config"
	"kalico-flash/internal/build"
	"kalico-flash/internal/discovery"
	"kalico-flash/internal/flasherr"
	"kalico-flash/internal/logger"
	"kalico-flash/internal/model"
	"kalico-flash/internal/moonraker"
	"kalico-flash/internal/runner"
	"kalico-flash/internal/safety"
	"kalico-flash/internal/service"
	"kalico-flash/internal/store"
)

type fakeGate struct {
	verdict safety.Verdict
	calls   int
}

func (g *fakeGate) Check(context.Context) safety.Verdict {
	g.calls++
	return g.verdict
}

type fakeLocator struct {
	fn func(reg *model.Registry, key string) (*discovery.Match, error)
}

func (l *fakeLocator) Locate(reg *model.Registry, key string) (*discovery.Match, error) {
	return l.fn(reg, key)
}

type fakeBuilder struct {
	fn        func(ctx context.Context, req build.Request) (*build.Outcome, error)
	preflight func(klipperDir string) error
	calls     int
	checks    int
	req       build.Request
}

func (b *fakeBuilder) Preflight(klipperDir string) error {
	b.checks++
	if b.preflight == nil {
		return nil
	}
	return b.preflight(klipperDir)
}

func (b *fakeBuilder) Build(ctx context.Context, req build.Request) (*build.Outcome, error) {
	b.calls++
	b.req = req
	return b.fn(ctx, req)
}

type fakeFlasher struct {
	preflight func(d *model.Device) ([]string, error)
	enter     func(ctx context.Context, d *model.Device, path string) (string, error)
	manual    func(ctx context.Context, d *model.Device) (string, error)
	flash     func(ctx context.Context, d *model.Device, path, firmware string) error
	calls     []string
}

func (f *fakeFlasher) Preflight(d *model.Device) ([]string, error) {
	f.calls = append(f.calls, "preflight")
	return f.preflight(d)
}

func (f *fakeFlasher) EnterBootloader(ctx context.Context, d *model.Device, path string) (string, error) {
	f.calls = append(f.calls, "enter:"+string(d.BootloaderMethod))
	return f.enter(ctx, d, path)
}

func (f *fakeFlasher) AfterManual(ctx context.Context, d *model.Device) (string, error) {
	f.calls = append(f.calls, "manual")
	return f.manual(ctx, d)
}

func (f *fakeFlasher) Flash(ctx context.Context, d *model.Device, path, firmware string) error {
	f.calls = append(f.calls, "flash:"+string(d.FlashMethod))
	return f.flash(ctx, d, path, firmware)
}

type fakeVerifier struct {
	usb func(ctx context.Context, pattern string) (string, error)
	can func(ctx context.Context, uuid string) error
}

func (v *fakeVerifier) VerifyUSB(ctx context.Context, pattern string, _ time.Duration) (string, error) {
	return v.usb(ctx, pattern)
}

func (v *fakeVerifier) VerifyCAN(ctx context.Context, _, _, uuid string, _, _ time.Duration) error {
	return v.can(ctx, uuid)
}

type fakeConfigs struct {
	exists    bool
	mcu       string
	installed []string
}

func (c *fakeConfigs) Exists(string) bool { return c.exists }

func (c *fakeConfigs) CheckMCU(_, expected string) (string, bool, error) {
	return c.mcu, c.mcu == "" || c.mcu == expected, nil
}

func (c *fakeConfigs) Install(key, _ string) error {
	c.installed = append(c.installed, key)
	return nil
}

type fakeCAN struct {
	fn func(iface string) error
}

func (c *fakeCAN) PreflightCAN(iface string) error { return c.fn(iface) }

type fakeAccelerator struct {
	available bool
	installed bool
}

func (a *fakeAccelerator) Available() (string, bool) { return "/usr/bin/ccache", a.available }

func (a *fakeAccelerator) Install(context.Context) error {
	a.installed = true
	return nil
}

type fakeVersions struct {
	versions map[string]string
}

func (v *fakeVersions) MCUVersions(context.Context) (map[string]string, error) {
	if v.versions == nil {
		return nil, errors.New("moonraker down")
	}
	return v.versions, nil
}

func (v *fakeVersions) ConfigMCUs(context.Context) (map[string]moonraker.ConfigMCU, error) {
	return nil, nil
}

type fakePrompter struct {
	confirm   func(question string) (bool, error)
	manual    func(d *model.Device) (bool, error)
	accel     func() (build.Resolution, error)
	questions []string
}

func (p *fakePrompter) Confirm(_ context.Context, question string) (bool, error) {
	p.questions = append(p.questions, question)
	return p.confirm(question)
}

func (p *fakePrompter) ManualBootloader(_ context.Context, d *model.Device) (bool, error) {
	return p.manual(d)
}

func (p *fakePrompter) Acceleration(context.Context) (build.Resolution, error) {
	return p.accel()
}

const usbPath = "/dev/serial/by-id/usb-Klipper_stm32h723xx_29001A-if00"

func octopus() *model.Device {
	return &model.Device{
		Key:              "octopus",
		Name:             "Octopus Pro",
		MCU:              "stm32h723",
		SerialPattern:    "usb-Klipper_stm32h723xx_29001A*",
		BootloaderMethod: model.BootloaderUSB,
		FlashMethod:      model.FlashKatapult,
		Flashable:        true,
	}
}

func ebb() *model.Device {
	return &model.Device{
		Key:              "ebb36",
		Name:             "EBB36",
		MCU:              "stm32g0b1",
		CANBusUUID:       "aabbccddeeff",
		CANInterface:     "can0",
		BootloaderMethod: model.BootloaderCAN,
		FlashMethod:      model.FlashKatapultCAN,
		Role:             model.RoleToolhead,
		Flashable:        true,
	}
}

// harness wires an Orchestrator whose collaborators all succeed until a
// test overrides them.
type harness struct {
	store    store.Store
	gate     *fakeGate
	locator  *fakeLocator
	builder  *fakeBuilder
	flasher  *fakeFlasher
	verifier *fakeVerifier
	configs  *fakeConfigs
	can      *fakeCAN
	prompter *fakePrompter
	svc      service.Controller
	ccache   Accelerator
	versions VersionSource
	host     func(ctx context.Context, klipperDir string) (string, error)
}

func newHarness(t *testing.T, devices ...*model.Device) *harness {
	st := store.NewJSONStore(filepath.Join(t.TempDir(), "devices.json"), logger.Nop())
	reg := model.NewRegistry()
	reg.Settings.KlipperDir = t.TempDir()
	for _, d := range devices {
		reg.Devices[d.Key] = d
	}
	require.NoError(t, st.Save(reg))

	return &harness{
		store: st,
		gate:  &fakeGate{verdict: safety.Verdict{Decision: safety.Allow, Reachable: true}},
		locator: &fakeLocator{fn: func(reg *model.Registry, key string) (*discovery.Match, error) {
			return &discovery.Match{
				Device: reg.Devices[key],
				USB:    &discovery.USBDevice{Path: usbPath, Filename: filepath.Base(usbPath)},
			}, nil
		}},
		builder: &fakeBuilder{fn: func(ctx context.Context, req build.Request) (*build.Outcome, error) {
			return &build.Outcome{Firmware: filepath.Join(req.KlipperDir, "out", "klipper.bin"), Size: 40000, Duration: 10 * time.Second}, nil
		}},
		flasher: &fakeFlasher{
			preflight: func(*model.Device) ([]string, error) { return nil, nil },
			enter: func(ctx context.Context, d *model.Device, path string) (string, error) {
				return "/dev/serial/by-id/usb-katapult_stm32h723xx_29001A-if00", nil
			},
			manual: func(context.Context, *model.Device) (string, error) { return "", nil },
			flash:  func(context.Context, *model.Device, string, string) error { return nil },
		},
		verifier: &fakeVerifier{
			usb: func(context.Context, string) (string, error) { return usbPath, nil },
			can: func(context.Context, string) error { return nil },
		},
		configs: &fakeConfigs{exists: true},
		can:     &fakeCAN{fn: func(string) error { return nil }},
		prompter: &fakePrompter{
			confirm: func(string) (bool, error) { return true, nil },
			manual:  func(*model.Device) (bool, error) { return true, nil },
			accel:   func() (build.Resolution, error) { return build.ResolveSkip, nil },
		},
	}
}

func (h *harness) orchestrator() *Orchestrator {
	return New(Deps{
		Store:       h.store,
		Gate:        h.gate,
		Locator:     h.locator,
		Builder:     h.builder,
		Ccache:      h.ccache,
		Flasher:     h.flasher,
		Verifier:    h.verifier,
		CAN:         h.can,
		Configs:     h.configs,
		Service:     h.svc,
		Versions:    h.versions,
		HostVersion: h.host,
		Prompter:    h.prompter,
	}, Options{Timeouts: config.Default().Timeouts}, logger.Nop())
}

// activeService expects the service to be found running, stopped once and
// started once.
func activeService(t *testing.T) *service.MockController {
	ctrl := gomock.NewController(t)
	svc := service.NewMockController(ctrl)
	svc.EXPECT().Name().Return("klipper").AnyTimes()
	gomock.InOrder(
		svc.EXPECT().IsActive(gomock.Any()).Return(true, nil),
		svc.EXPECT().Stop(gomock.Any()).Return(nil),
		svc.EXPECT().Start(gomock.Any()).Return(nil),
	)
	return svc
}

// untouchedService fails the test if the service is queried or changed.
func untouchedService(t *testing.T) *service.MockController {
	ctrl := gomock.NewController(t)
	svc := service.NewMockController(ctrl)
	svc.EXPECT().Name().Return("klipper").AnyTimes()
	return svc
}

func TestRun_USBKatapultCompletes(t *testing.T) {
	h := newHarness(t, octopus())
	h.svc = activeService(t)

	res := h.orchestrator().Flash(context.Background(), "octopus")

	require.NoError(t, res.Err)
	assert.Equal(t, Done, res.State)
	assert.True(t, res.OK())
	require.NotNil(t, res.Service)
	assert.True(t, res.Service.Restarted)
	assert.Equal(t, []string{"preflight", "enter:usb", "flash:katapult"}, h.flasher.calls)
	assert.Equal(t, []string{"octopus"}, h.configs.installed)
	assert.Equal(t, 1, h.gate.calls)
	assert.True(t, res.TouchedHardware)
	assert.NotEqual(t, "", res.RunID.String())

	d, err := h.store.Get("octopus")
	require.NoError(t, err)
	_, flashed := d.LastFlashed()
	assert.True(t, flashed)
}

func TestRun_FlashCommandFailureRestartsService(t *testing.T) {
	h := newHarness(t, octopus())
	h.svc = activeService(t)
	h.flasher.flash = func(context.Context, *model.Device, string, string) error {
		return flasherr.New(flasherr.FlashCommandFailed, "flash", "flashtool.py exited 1").WithOutput("Connecting...\nFlash failed: no response")
	}

	res := h.orchestrator().Flash(context.Background(), "octopus")

	assert.Equal(t, Failed, res.State)
	assert.Equal(t, PhaseFlash, res.Phase)
	assert.Equal(t, BootloaderEntered, res.Reached)
	assert.Equal(t, flasherr.FlashCommandFailed, res.Kind())
	assert.Contains(t, res.Output(), "Flash failed: no response")
	require.NotNil(t, res.Service)
	assert.True(t, res.Service.Restarted)

	d, err := h.store.Get("octopus")
	require.NoError(t, err)
	assert.Empty(t, d.LastFlashTimestamp)
}

func TestRun_ServiceRestoredOnEveryOutcome(t *testing.T) {
	manual := octopus()
	manual.BootloaderMethod = model.BootloaderManual

	testCases := []struct {
		name    string
		device  *model.Device
		setup   func(h *harness, cancel context.CancelFunc)
		state   State
		phase   string
		kind    flasherr.Kind
		reached State
	}{
		{
			name: "build fails",
			setup: func(h *harness, _ context.CancelFunc) {
				h.builder.fn = func(context.Context, build.Request) (*build.Outcome, error) {
					return nil, flasherr.New(flasherr.BuildFailed, "build", "make exited 2")
				}
			},
			state: Failed, phase: PhaseBuild, kind: flasherr.BuildFailed, reached: ConfigValidated,
		},
		{
			name: "build times out",
			setup: func(h *harness, _ context.CancelFunc) {
				h.builder.fn = func(context.Context, build.Request) (*build.Outcome, error) {
					return nil, flasherr.New(flasherr.BuildTimeout, "build", "exceeded 5m0s")
				}
			},
			state: Failed, phase: PhaseBuild, kind: flasherr.BuildTimeout, reached: ConfigValidated,
		},
		{
			name: "bootloader entry times out and retry is declined",
			setup: func(h *harness, _ context.CancelFunc) {
				h.flasher.enter = func(context.Context, *model.Device, string) (string, error) {
					return "", flasherr.New(flasherr.BootloaderEntryTimeout, "bootloader", "did not re-enumerate")
				}
				h.prompter.confirm = func(string) (bool, error) { return false, nil }
			},
			state: Failed, phase: PhaseBootloader, kind: flasherr.BootloaderEntryTimeout, reached: Built,
		},
		{
			name: "verify times out",
			setup: func(h *harness, _ context.CancelFunc) {
				h.verifier.usb = func(context.Context, string) (string, error) {
					return "", flasherr.New(flasherr.VerifyTimeout, "verify", "still in bootloader mode")
				}
			},
			state: Failed, phase: PhaseVerify, kind: flasherr.VerifyTimeout, reached: Flashed,
		},
		{
			name: "cancelled during build",
			setup: func(h *harness, cancel context.CancelFunc) {
				h.builder.fn = func(ctx context.Context, _ build.Request) (*build.Outcome, error) {
					cancel()
					return nil, flasherr.Wrap(ctx.Err(), flasherr.Cancelled, "build", "build interrupted")
				}
			},
			state: Aborted, phase: PhaseBuild, kind: flasherr.Cancelled, reached: ConfigValidated,
		},
		{
			name: "cancelled during bootloader entry",
			setup: func(h *harness, cancel context.CancelFunc) {
				h.flasher.enter = func(ctx context.Context, _ *model.Device, _ string) (string, error) {
					cancel()
					return "", flasherr.Wrap(ctx.Err(), flasherr.Cancelled, "bootloader", "interrupted while waiting for the device")
				}
			},
			state: Aborted, phase: PhaseBootloader, kind: flasherr.Cancelled, reached: Built,
		},
		{
			name:   "manual bootloader prompt interrupted",
			device: manual,
			setup: func(h *harness, cancel context.CancelFunc) {
				h.prompter.manual = func(*model.Device) (bool, error) {
					cancel()
					return false, context.Canceled
				}
			},
			state: Aborted, phase: PhaseBootloader, kind: flasherr.Cancelled, reached: Built,
		},
		{
			name: "cancelled during flash",
			setup: func(h *harness, cancel context.CancelFunc) {
				h.flasher.flash = func(ctx context.Context, _ *model.Device, _, _ string) error {
					cancel()
					return flasherr.Wrap(ctx.Err(), flasherr.Cancelled, "flash", "flash interrupted")
				}
			},
			state: Aborted, phase: PhaseFlash, kind: flasherr.Cancelled, reached: BootloaderEntered,
		},
		{
			name: "cancelled during verify",
			setup: func(h *harness, cancel context.CancelFunc) {
				h.verifier.usb = func(ctx context.Context, _ string) (string, error) {
					cancel()
					return "", flasherr.Wrap(ctx.Err(), flasherr.Cancelled, "verify", "interrupted")
				}
			},
			state: Aborted, phase: PhaseVerify, kind: flasherr.Cancelled, reached: Flashed,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			d := tc.device
			if d == nil {
				d = octopus()
			}
			h := newHarness(t, d)
			h.svc = activeService(t)
			tc.setup(h, cancel)

			res := h.orchestrator().Flash(ctx, "octopus")

			assert.Equal(t, tc.state, res.State)
			assert.Equal(t, tc.phase, res.Phase)
			assert.Equal(t, tc.kind, res.Kind())
			assert.Equal(t, tc.reached, res.Reached)
			require.NotNil(t, res.Service)
			assert.True(t, res.Service.Restarted)
			assert.False(t, res.ServiceDegraded())
		})
	}
}

func TestRun_RestartFailureIsReported(t *testing.T) {
	h := newHarness(t, octopus())
	ctrl := gomock.NewController(t)
	svc := service.NewMockController(ctrl)
	svc.EXPECT().Name().Return("klipper").AnyTimes()
	svc.EXPECT().IsActive(gomock.Any()).Return(true, nil)
	svc.EXPECT().Stop(gomock.Any()).Return(nil)
	svc.EXPECT().Start(gomock.Any()).Return(flasherr.New(flasherr.ServiceControlFailed, "service", "start klipper exited 1"))
	h.svc = svc

	res := h.orchestrator().Flash(context.Background(), "octopus")

	assert.Equal(t, Done, res.State)
	assert.False(t, res.OK())
	assert.True(t, res.ServiceDegraded())
	assert.Equal(t, flasherr.ServiceControlFailed, flasherr.KindOf(res.Service.Err()))
	assert.Contains(t, res.Warnings[len(res.Warnings)-1], "was not restarted")
}

func TestRun_CANQueueTooShort(t *testing.T) {
	sysfs := t.TempDir()
	iface := filepath.Join(sysfs, "can0")
	require.NoError(t, os.MkdirAll(iface, 0o755))
	for attr, value := range map[string]string{"type": "280", "operstate": "up", "flags": "0x1", "tx_queue_len": "64"} {
		require.NoError(t, os.WriteFile(filepath.Join(iface, attr), []byte(value+"\n"), 0o644))
	}
	ctrl := gomock.NewController(t)
	scanner := discovery.NewScanner(discovery.Options{SerialDir: t.TempDir(), SysfsNet: sysfs}, runner.NewMockRunner(ctrl), logger.Nop())

	h := newHarness(t, ebb())
	h.svc = untouchedService(t)
	h.locator.fn = func(*model.Registry, string) (*discovery.Match, error) {
		t.Fatal("CAN devices are not located over USB")
		return nil, nil
	}
	o := h.orchestrator()
	o.deps.CAN = scanner

	res := o.Flash(context.Background(), "ebb36")

	assert.Equal(t, Failed, res.State)
	assert.Equal(t, PhasePreflight, res.Phase)
	assert.Equal(t, flasherr.CanPreflightFailed, res.Kind())
	assert.Contains(t, res.Reason(), "txqueuelen 64")
	assert.Equal(t, 0, h.builder.calls)
	assert.NotContains(t, h.flasher.calls, "flash:katapult_can")
	assert.False(t, res.TouchedHardware)
}

func TestRun_CANCompletes(t *testing.T) {
	h := newHarness(t, ebb())
	h.svc = activeService(t)
	var verified string
	h.verifier.can = func(_ context.Context, uuid string) error {
		verified = uuid
		return nil
	}

	res := h.orchestrator().Flash(context.Background(), "ebb36")

	require.NoError(t, res.Err)
	assert.Equal(t, Done, res.State)
	assert.Equal(t, "aabbccddeeff", verified)
	assert.Equal(t, []string{"preflight", "enter:can", "flash:katapult_can"}, h.flasher.calls)
}

func TestRun_ManualUF2KeepsItsMethodPair(t *testing.T) {
	pico := &model.Device{
		Key:              "pico",
		Name:             "Pico",
		MCU:              "rp2040",
		SerialPattern:    "usb-Klipper_rp2040_E6625*",
		BootloaderMethod: model.BootloaderManual,
		FlashMethod:      model.FlashUF2Mount,
		UF2MountPath:     "/media/pi/RPI-RP2",
		Flashable:        true,
	}
	h := newHarness(t, pico)
	h.svc = activeService(t)
	h.flasher.flash = func(context.Context, *model.Device, string, string) error {
		return flasherr.New(flasherr.FlashCommandFailed, "flash", "UF2 volume did not mount")
	}

	res := h.orchestrator().Flash(context.Background(), "pico")

	assert.Equal(t, Failed, res.State)
	assert.Equal(t, PhaseFlash, res.Phase)
	assert.Equal(t, []string{"preflight", "manual", "flash:uf2_mount"}, h.flasher.calls)
}

func TestRun_ManualBootloaderDeclined(t *testing.T) {
	d := octopus()
	d.BootloaderMethod = model.BootloaderManual
	h := newHarness(t, d)
	h.svc = activeService(t)
	h.prompter.manual = func(*model.Device) (bool, error) { return false, nil }

	res := h.orchestrator().Flash(context.Background(), "octopus")

	assert.Equal(t, Aborted, res.State)
	assert.Equal(t, PhaseBootloader, res.Phase)
	assert.NotContains(t, h.flasher.calls, "flash:katapult")
}

func TestRun_SafetyGate(t *testing.T) {
	testCases := []struct {
		name    string
		verdict safety.Verdict
		confirm bool
		state   State
		kind    flasherr.Kind
	}{
		{
			name:    "printing blocks",
			verdict: safety.Verdict{Decision: safety.Block, Reason: "printer is printing", Reachable: true},
			state:   Aborted,
			kind:    flasherr.SafetyBlocked,
		},
		{
			name:    "unreachable declined",
			verdict: safety.Verdict{Decision: safety.Confirm, Reason: "Moonraker unreachable"},
			state:   Aborted,
			kind:    flasherr.SafetyUnreachable,
		},
		{
			name:    "error state declined",
			verdict: safety.Verdict{Decision: safety.Confirm, Reason: "printer reports an error state", Reachable: true},
			state:   Aborted,
			kind:    flasherr.Cancelled,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, octopus())
			h.svc = untouchedService(t)
			h.gate.verdict = tc.verdict
			h.prompter.confirm = func(string) (bool, error) { return tc.confirm, nil }

			res := h.orchestrator().Flash(context.Background(), "octopus")

			assert.Equal(t, tc.state, res.State)
			assert.Equal(t, PhaseSafety, res.Phase)
			assert.Equal(t, tc.kind, res.Kind())
			assert.Equal(t, 0, h.builder.calls)
			assert.Empty(t, h.flasher.calls)
		})
	}

	t.Run("unreachable confirmed proceeds with a warning", func(t *testing.T) {
		h := newHarness(t, octopus())
		h.svc = activeService(t)
		h.gate.verdict = safety.Verdict{Decision: safety.Confirm, Reason: "Moonraker unreachable"}

		res := h.orchestrator().Flash(context.Background(), "octopus")

		assert.Equal(t, Done, res.State)
		assert.Contains(t, res.Warnings, "Moonraker unreachable")
		assert.Len(t, h.prompter.questions, 1)
	})
}

func TestRun_ConfigChecks(t *testing.T) {
	testCases := []struct {
		name    string
		configs fakeConfigs
		device  func() *model.Device
		kind    flasherr.Kind
	}{
		{name: "no cached config", configs: fakeConfigs{}, device: octopus, kind: flasherr.InvalidConfig},
		{name: "cached config for another MCU", configs: fakeConfigs{exists: true, mcu: "rp2040"}, device: octopus, kind: flasherr.ConfigMismatch},
		{
			name:    "invalid method pair",
			configs: fakeConfigs{exists: true},
			device: func() *model.Device {
				d := octopus()
				d.FlashMethod = model.FlashSDCard
				return d
			},
			kind: flasherr.InvalidConfig,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.device())
			h.svc = untouchedService(t)
			configs := tc.configs
			h.configs = &configs

			res := h.orchestrator().Flash(context.Background(), "octopus")

			assert.Equal(t, Failed, res.State)
			assert.Equal(t, PhaseValidate, res.Phase)
			assert.Equal(t, tc.kind, res.Kind())
			assert.True(t, flasherr.IsPrecondition(res.Kind()))
			assert.Equal(t, 0, h.builder.calls)
		})
	}
}

func TestRun_DuplicateDevice(t *testing.T) {
	h := newHarness(t, octopus())
	h.svc = untouchedService(t)
	h.locator.fn = func(reg *model.Registry, key string) (*discovery.Match, error) {
		return &discovery.Match{Device: reg.Devices[key], DuplicateOf: "octopus-old"}, nil
	}

	res := h.orchestrator().Flash(context.Background(), "octopus")

	assert.Equal(t, Failed, res.State)
	assert.Equal(t, flasherr.DuplicateDevice, res.Kind())
	assert.Equal(t, PhaseDiscovery, res.Phase)
}

func TestRun_ServiceHeldByCaller(t *testing.T) {
	h := newHarness(t, octopus())
	h.svc = untouchedService(t)
	o := h.orchestrator()
	reg, err := h.store.Load()
	require.NoError(t, err)

	res := o.Run(context.Background(), reg, "octopus", RunOptions{GateChecked: true, ServiceHeld: true})

	assert.Equal(t, Done, res.State)
	assert.Nil(t, res.Service)
	assert.Equal(t, 0, h.gate.calls)
}

func TestRun_BuildPreflightFailsBeforeServiceStop(t *testing.T) {
	h := newHarness(t, octopus())
	h.svc = untouchedService(t)
	h.builder.preflight = func(string) error {
		return flasherr.New(flasherr.PreflightFailed, "preflight", "`arm-none-eabi-gcc` not found in PATH")
	}

	res := h.orchestrator().Flash(context.Background(), "octopus")

	assert.Equal(t, Failed, res.State)
	assert.Equal(t, PhasePreflight, res.Phase)
	assert.Equal(t, flasherr.PreflightFailed, res.Kind())
	assert.Equal(t, ConfigValidated, res.Reached)
	assert.Equal(t, 1, h.builder.checks)
	assert.Equal(t, 0, h.builder.calls)
	assert.Nil(t, res.Service)
	assert.False(t, res.TouchedHardware)
}

func TestRun_ChecksDoneByBatchAreSkipped(t *testing.T) {
	h := newHarness(t, ebb())
	h.svc = untouchedService(t)
	canCalls := 0
	h.can.fn = func(string) error {
		canCalls++
		return nil
	}
	o := h.orchestrator()
	reg, err := h.store.Load()
	require.NoError(t, err)

	res := o.Run(context.Background(), reg, "ebb36", RunOptions{GateChecked: true, ServiceHeld: true, BuildChecked: true, CANChecked: true})

	assert.Equal(t, Done, res.State)
	assert.Equal(t, 0, canCalls)
	assert.Equal(t, 0, h.builder.checks)
	assert.Equal(t, 1, h.builder.calls)

	res = o.Run(context.Background(), reg, "ebb36", RunOptions{GateChecked: true, ServiceHeld: true})

	assert.Equal(t, Done, res.State)
	assert.Equal(t, 1, canCalls)
	assert.Equal(t, 1, h.builder.checks)
}

func TestRun_AccelerationPromptInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, octopus())
	reg, err := h.store.Load()
	require.NoError(t, err)
	reg.Settings.UseCcache = true
	require.NoError(t, h.store.Save(reg))
	h.ccache = &fakeAccelerator{}
	h.svc = untouchedService(t)
	h.prompter.accel = func() (build.Resolution, error) {
		cancel()
		return build.ResolveSkip, context.Canceled
	}

	res := h.orchestrator().Flash(ctx, "octopus")

	assert.Equal(t, Aborted, res.State)
	assert.Equal(t, PhaseBuild, res.Phase)
	assert.Equal(t, flasherr.Cancelled, res.Kind())
	assert.Equal(t, 0, h.builder.calls)
	assert.Nil(t, res.Service)
	assert.False(t, res.TouchedHardware)
}

func TestRun_BootloaderRetry(t *testing.T) {
	h := newHarness(t, octopus())
	h.svc = activeService(t)
	attempts := 0
	h.flasher.enter = func(context.Context, *model.Device, string) (string, error) {
		attempts++
		if attempts == 1 {
			return "", flasherr.New(flasherr.BootloaderEntryTimeout, "bootloader", "did not leave the bus")
		}
		return "/dev/serial/by-id/usb-katapult_stm32h723xx_29001A-if00", nil
	}

	res := h.orchestrator().Flash(context.Background(), "octopus")

	assert.Equal(t, Done, res.State)
	assert.Equal(t, 2, attempts)
	require.Len(t, h.prompter.questions, 1)
	assert.Contains(t, h.prompter.questions[0], "Retry?")
}

func TestRun_BuildOnly(t *testing.T) {
	d := octopus()
	d.BootloaderMethod = model.BootloaderNone
	d.FlashMethod = model.FlashNone
	h := newHarness(t, d)
	h.svc = untouchedService(t)

	res := h.orchestrator().Flash(context.Background(), "octopus")

	assert.Equal(t, Done, res.State)
	assert.Equal(t, 1, h.builder.calls)
	assert.Empty(t, h.flasher.calls)
	assert.False(t, res.TouchedHardware)
}

func TestRun_Acceleration(t *testing.T) {
	testCases := []struct {
		name       string
		available  bool
		declined   bool
		choice     build.Resolution
		accelerate bool
		saved      func(t *testing.T, s model.Settings)
	}{
		{name: "available", available: true, accelerate: true},
		{
			name: "skip records the decline", choice: build.ResolveSkip,
			saved: func(t *testing.T, s model.Settings) { assert.True(t, s.CcacheInstallDeclined) },
		},
		{
			name: "disable clears the setting", choice: build.ResolveDisable,
			saved: func(t *testing.T, s model.Settings) { assert.False(t, s.UseCcache) },
		},
		{name: "install", choice: build.ResolveInstall, accelerate: true},
		{name: "declined earlier builds silently", declined: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, octopus())
			reg, err := h.store.Load()
			require.NoError(t, err)
			reg.Settings.UseCcache = true
			reg.Settings.CcacheInstallDeclined = tc.declined
			require.NoError(t, h.store.Save(reg))

			h.svc = activeService(t)
			accel := &fakeAccelerator{available: tc.available}
			h.ccache = accel
			prompted := false
			h.prompter.accel = func() (build.Resolution, error) {
				prompted = true
				return tc.choice, nil
			}

			res := h.orchestrator().Flash(context.Background(), "octopus")

			assert.Equal(t, Done, res.State)
			assert.Equal(t, tc.accelerate, h.builder.req.Accelerate)
			assert.Equal(t, !tc.available && !tc.declined, prompted)
			assert.Equal(t, tc.choice == build.ResolveInstall && prompted, accel.installed)
			if tc.saved != nil {
				reg, err := h.store.Load()
				require.NoError(t, err)
				tc.saved(t, reg.Settings)
			}
		})
	}
}

func TestRun_VersionWarnings(t *testing.T) {
	d := octopus()
	d.MCUName = "mcu"
	h := newHarness(t, d)
	h.svc = activeService(t)
	h.versions = &fakeVersions{versions: map[string]string{"main": "v0.12.0-10-gabc1234"}}
	h.host = func(context.Context, string) (string, error) { return "v0.12.0-5-gdef5678-dirty", nil }

	res := h.orchestrator().Flash(context.Background(), "octopus")

	assert.Equal(t, Done, res.State)
	require.Len(t, res.Warnings, 2)
	assert.Contains(t, res.Warnings[0], "uncommitted changes")
	assert.Contains(t, res.Warnings[1], "downgrade")
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{Done, Failed, Aborted, Skipped} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []State{Discovered, ConfigValidated, Built, BootloaderEntered, Flashed, Verified} {
		assert.False(t, s.Terminal(), s)
	}
}
