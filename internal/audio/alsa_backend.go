package audio

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
)

var arecordCardPattern = regexp.MustCompile(`card\s+(\d+):\s+(\S+)\s+\[([^\]]+)\],\s+device\s+(\d+):`)

// ALSABackend captures with arecord writing raw PCM to stdout
type ALSABackend struct {
	// listOutput runs "arecord -l"; replaced in tests
	listOutput func() ([]byte, error)
}

func NewALSABackend() *ALSABackend {
	return &ALSABackend{
		listOutput: func() ([]byte, error) {
			return exec.Command("arecord", "-l").Output()
		},
	}
}

// ListDevices parses the hardware capture devices reported by arecord
func (a *ALSABackend) ListDevices() ([]DeviceInfo, error) {
	output, err := a.listOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to list ALSA devices: %w", err)
	}
	return parseArecordList(string(output)), nil
}

func (a *ALSABackend) Open(id string) (Device, error) {
	if id == "" {
		id = "default"
	}
	return &streamDevice{
		id: id,
		command: func(format Format) []string {
			return []string{
				"arecord",
				"-D", id,
				"-f", arecordFormat(format.BitsPerSample),
				"-r", strconv.Itoa(format.SampleRate),
				"-c", strconv.Itoa(format.Channels),
				"-t", "raw",
				"-q",
				"-",
			}
		},
	}, nil
}

func (a *ALSABackend) GetType() BackendType {
	return BackendTypeALSA
}

func parseArecordList(output string) []DeviceInfo {
	var devices []DeviceInfo
	for _, m := range arecordCardPattern.FindAllStringSubmatch(output, -1) {
		devices = append(devices, DeviceInfo{
			ID:   fmt.Sprintf("hw:CARD=%s,DEV=%s", m[2], m[4]),
			Name: m[3],
		})
	}
	return devices
}

func arecordFormat(bits int) string {
	switch bits {
	case 8:
		return "U8"
	case 24:
		return "S24_3LE"
	case 32:
		return "S32_LE"
	default:
		return "S16_LE"
	}
}
