package safety

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"kalico-flash/internal/flasherr"
	"kalico-flash/internal/logger"
	"kalico-flash/internal/model"
	"kalico-flash/internal/moonraker"
	"kalico-flash/internal/runner"
)

type statusFunc func(ctx context.Context) (*moonraker.PrintStatus, error)

func (f statusFunc) PrintStatus(ctx context.Context) (*moonraker.PrintStatus, error) { return f(ctx) }

func TestGate_Check(t *testing.T) {
	testCases := []struct {
		name      string
		state     string
		err       error
		decision  Decision
		reachable bool
		errKind   flasherr.Kind
	}{
		{name: "printing blocks", state: "printing", decision: Block, reachable: true, errKind: flasherr.SafetyBlocked},
		{name: "paused blocks", state: "paused", decision: Block, reachable: true, errKind: flasherr.SafetyBlocked},
		{name: "startup blocks", state: "startup", decision: Block, reachable: true, errKind: flasherr.SafetyBlocked},
		{name: "error confirms", state: "error", decision: Confirm, reachable: true},
		{name: "ready allows", state: "ready", decision: Allow, reachable: true},
		{name: "standby allows", state: "standby", decision: Allow, reachable: true},
		{name: "complete allows", state: "complete", decision: Allow, reachable: true},
		{name: "unreachable confirms", err: errors.New("connection refused"), decision: Confirm, errKind: flasherr.SafetyUnreachable},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gate := NewGate(statusFunc(func(ctx context.Context) (*moonraker.PrintStatus, error) {
				if tc.err != nil {
					return nil, tc.err
				}
				return &moonraker.PrintStatus{State: tc.state}, nil
			}), logger.Nop())

			v := gate.Check(context.Background())
			assert.Equal(t, tc.decision, v.Decision)
			assert.Equal(t, tc.reachable, v.Reachable)
			if tc.errKind == "" {
				assert.NoError(t, v.Err())
			} else {
				assert.Equal(t, tc.errKind, flasherr.KindOf(v.Err()))
			}
		})
	}
}

func TestGate_BlockReasonNamesJob(t *testing.T) {
	gate := NewGate(statusFunc(func(ctx context.Context) (*moonraker.PrintStatus, error) {
		return &moonraker.PrintStatus{State: "printing", Filename: "benchy.gcode", Progress: 0.5}, nil
	}), logger.Nop())

	v := gate.Check(context.Background())
	assert.Equal(t, "printer is printing (benchy.gcode, 50%)", v.Reason)
}

func TestDecision_String(t *testing.T) {
	assert.Equal(t, "allow", Allow.String())
	text, err := Block.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "block", string(text))
}

func TestFlavor(t *testing.T) {
	testCases := []struct {
		version  string
		expected string
	}{
		{"v2026.01.00-12-gabc1234", "Kalico"},
		{"v2025.3.1", "Kalico"},
		{"v2024.01.00", "Klipper"},
		{"v0.12.0-45-g7ce409d", "Klipper"},
		{"", "Unknown"},
		{"abc123", "Unknown"},
	}
	for _, tc := range testCases {
		t.Run(tc.version, func(t *testing.T) {
			assert.Equal(t, tc.expected, Flavor(tc.version))
		})
	}
}

func TestParseDescribe(t *testing.T) {
	tag, count, has, ok := ParseDescribe("v0.12.0-45-g7ce409d-dirty")
	assert.True(t, ok)
	assert.True(t, has)
	assert.Equal(t, "v0.12.0", tag)
	assert.Equal(t, 45, count)

	tag, _, has, ok = ParseDescribe("v2026.01.00")
	assert.True(t, ok)
	assert.False(t, has)
	assert.Equal(t, "v2026.01.00", tag)

	_, _, _, ok = ParseDescribe("7ce409d")
	assert.False(t, ok)
}

func TestIsOutdated(t *testing.T) {
	testCases := []struct {
		name     string
		host     string
		mcu      string
		expected bool
	}{
		{name: "same", host: "v0.12.0-45-g7ce409d", mcu: "v0.12.0-45-g7ce409d", expected: false},
		{name: "mcu behind", host: "v0.12.0-45-g7ce409d", mcu: "v0.12.0-40-g1234567", expected: true},
		{name: "mcu ahead", host: "v0.12.0-40-g1234567", mcu: "v0.12.0-45-g7ce409d", expected: false},
		{name: "different tag", host: "v0.13.0-1-gaaaaaaa", mcu: "v0.12.0-99-gbbbbbbb", expected: true},
		{name: "tags without counts", host: "v2026.01.00", mcu: "v2026.01.00-3-gabcdef0", expected: false},
		{name: "unparseable differs", host: "abc", mcu: "def", expected: true},
		{name: "empty mcu", host: "v0.12.0-1-gaaaaaaa", mcu: "", expected: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsOutdated(tc.host, tc.mcu))
		})
	}
}

func TestIsDowngrade(t *testing.T) {
	assert.True(t, IsDowngrade("v0.12.0-40-g1234567", "v0.12.0-45-g7ce409d"))
	assert.True(t, IsDowngrade("v2025.12.01", "v2026.01.00-1-gabcdef0"))
	assert.False(t, IsDowngrade("v0.12.0-45-g7ce409d-dirty", "v0.12.0-45-g7ce409d"))
	assert.False(t, IsDowngrade("v0.13.0", "v0.12.0-99-gabcdef0"))
	assert.False(t, IsDowngrade("garbage", "v0.12.0"))
}

func TestWarnings(t *testing.T) {
	w := Warnings("v0.12.0-40-g1234567-dirty", "v0.12.0-45-g7ce409d")
	require.Len(t, w, 2)
	assert.Contains(t, w[0], "uncommitted")
	assert.Contains(t, w[1], "downgrade")

	assert.Empty(t, Warnings("v0.12.0-45-g7ce409d", ""))
}

func TestDeviceVersion(t *testing.T) {
	versions := map[string]string{
		"main":        "v1-main",
		"nhk":         "v1-nhk",
		"HBB":         "v1-hbb",
		"stm32h723xx": "v1-main",
		"rp2040":      "v1-nhk",
	}
	canMap := map[string]string{"aabbccddeeff": "mcu nhk"}

	testCases := []struct {
		name     string
		device   *model.Device
		fuzzy    bool
		expected string
		ok       bool
	}{
		{name: "mcu_name main", device: &model.Device{MCUName: "mcu"}, expected: "v1-main", ok: true},
		{name: "mcu_name case-insensitive", device: &model.Device{MCUName: "mcu hbb"}, expected: "v1-hbb", ok: true},
		{name: "mcu_name unknown", device: &model.Device{MCUName: "mcu ghost"}, ok: false},
		{name: "can uuid map", device: &model.Device{CANBusUUID: "aabbccddeeff"}, expected: "v1-nhk", ok: true},
		{name: "no fuzzy without mcu_name", device: &model.Device{Key: "octopus", MCU: "stm32h723"}, ok: false},
		{name: "fuzzy by name", device: &model.Device{Key: "x", Name: "NHK v1.3", MCU: "rp2040"}, fuzzy: true, expected: "v1-nhk", ok: true},
		{name: "fuzzy by chip", device: &model.Device{Key: "octopus", Name: "Octopus", MCU: "stm32h723"}, fuzzy: true, expected: "v1-main", ok: true},
		{name: "fuzzy no match", device: &model.Device{Key: "spider", Name: "Spider", MCU: "stm32f446"}, fuzzy: true, ok: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := DeviceVersion(tc.device, versions, canMap, tc.fuzzy)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.expected, got)
		})
	}

	_, ok := DeviceVersion(&model.Device{MCUName: "mcu"}, nil, nil, true)
	assert.False(t, ok)
}

func TestHostVersion(t *testing.T) {
	t.Run("describe with hash", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		run := runner.NewMockRunner(ctrl)
		run.EXPECT().Run(gomock.Any(), gomock.Any()).Return(runner.Result{Output: "v0.12.0-45-g7ce409d\n"}, nil)

		v, err := HostVersion(context.Background(), run, "/home/pi/klipper")
		require.NoError(t, err)
		assert.Equal(t, "v0.12.0-45-g7ce409d", v)
	})

	t.Run("bare tag synthesised", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		run := runner.NewMockRunner(ctrl)
		run.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, c runner.Command) (runner.Result, error) {
			assert.Equal(t, "git", c.Name)
			assert.Equal(t, "/home/pi/klipper", c.Dir)
			switch c.Args[0] {
			case "describe":
				return runner.Result{Output: "v2026.01.00\n"}, nil
			case "rev-list":
				return runner.Result{Output: "1234\n"}, nil
			case "rev-parse":
				return runner.Result{Output: "abcdef0\n"}, nil
			}
			return runner.Result{ExitCode: 1}, nil
		}).Times(3)

		v, err := HostVersion(context.Background(), run, "/home/pi/klipper")
		require.NoError(t, err)
		assert.Equal(t, "v2026.01.00-1234-gabcdef0", v)
	})

	t.Run("not a repo", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		run := runner.NewMockRunner(ctrl)
		run.EXPECT().Run(gomock.Any(), gomock.Any()).Return(runner.Result{ExitCode: 128}, nil)

		_, err := HostVersion(context.Background(), run, "/tmp")
		assert.Error(t, err)
	})
}
