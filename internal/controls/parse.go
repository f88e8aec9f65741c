package controls

import (
	"regexp"
	"strconv"
	"strings"
)

// Control is one entry of a device's control listing. Default and Value are
// ints for int, bool and menu controls and strings otherwise.
type Control struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Min     *int64 `json:"min,omitempty"`
	Max     *int64 `json:"max,omitempty"`
	Step    *int64 `json:"step,omitempty"`
	Default any    `json:"default,omitempty"`
	Value   any    `json:"value"`
	Raw     string `json:"raw"`
}

var (
	// brightness 0x00980900 (int)    : min=0 max=255 step=1 default=128 value=128
	// the hex id is missing on older v4l2-ctl builds
	ctrlLine = regexp.MustCompile(`^\s*([a-zA-Z0-9_]+)\s+(?:0x[0-9a-fA-F]+\s+)?\(([a-zA-Z0-9]+)\)\s*:\s*(.*)$`)
	fieldRe  = regexp.MustCompile(`([a-z_]+)=(\S+)`)
)

// ParseList parses `v4l2-ctl --list-ctrls` output. Lines that are not
// controls, such as class headers, are skipped.
func ParseList(output string) map[string]Control {
	controls := make(map[string]Control)
	for _, line := range strings.Split(output, "\n") {
		m := ctrlLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name, kind, rest := m[1], m[2], strings.TrimSpace(m[3])
		controls[name] = parseControl(name, kind, rest)
	}
	return controls
}

func parseControl(name, kind, rest string) Control {
	ctrl := Control{Name: name, Raw: rest}
	fields := map[string]string{}
	for _, f := range fieldRe.FindAllStringSubmatch(rest, -1) {
		fields[f[1]] = f[2]
	}

	nums := map[string]int64{}
	for _, key := range []string{"min", "max", "step", "default", "value"} {
		if raw, ok := fields[key]; ok {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				nums[key] = n
			}
		}
	}
	has := func(keys ...string) bool {
		for _, k := range keys {
			if _, ok := nums[k]; !ok {
				return false
			}
		}
		return true
	}

	switch {
	case has("min", "max", "step", "default", "value") && kind != "menu" && kind != "intmenu":
		ctrl.Type = "int"
		ctrl.Min, ctrl.Max, ctrl.Step = ptr(nums["min"]), ptr(nums["max"]), ptr(nums["step"])
		ctrl.Default, ctrl.Value = nums["default"], nums["value"]
	case (kind == "menu" || kind == "intmenu") && has("min", "max", "value"):
		ctrl.Type = "menu"
		ctrl.Min, ctrl.Max = ptr(nums["min"]), ptr(nums["max"])
		if d, ok := nums["default"]; ok {
			ctrl.Default = d
		}
		ctrl.Value = nums["value"]
	case fields["default"] != "" && fields["value"] != "":
		d, v := fields["default"], fields["value"]
		if isBit(d) && isBit(v) {
			ctrl.Type = "bool"
			ctrl.Default, ctrl.Value = nums["default"], nums["value"]
		} else {
			ctrl.Type = "other"
			ctrl.Default, ctrl.Value = d, v
		}
	default:
		ctrl.Type = "other"
		ctrl.Value = rest
	}
	return ctrl
}

func isBit(s string) bool {
	return s == "0" || s == "1"
}

func ptr(v int64) *int64 {
	return &v
}
