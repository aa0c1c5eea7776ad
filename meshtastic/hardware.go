package meshtastic

// hardwareModelNames maps the numeric HardwareModel enum carried in a User
// message to a friendly display name. This table is deliberately small and
// meant to grow: new board releases just add an entry. Values not present
// here fall back to a synthesized "hw_<n>" label rather than an error,
// since an unrecognized board is not a decode failure.
var hardwareModelNames = map[uint32]string{
	0:  "unset",
	4:  "tbeam",
	9:  "heltec_v2.1",
	10: "tlora_v2_1_1p6",
	25: "heltec_v3",
	26: "heltec_wsl_v3",
	43: "rak4631",
	51: "tlora_c6",
	62: "heltec_capsule_sensor_v3",
	77: "seeed_xiao_s3",
}

// HardwareModelName returns the friendly display name for a hardware model
// enum value, or a synthesized fallback for unknown values.
func HardwareModelName(hwModel uint32) string {
	if name, ok := hardwareModelNames[hwModel]; ok {
		return name
	}
	return unknownHardwareLabel(hwModel)
}

func unknownHardwareLabel(hwModel uint32) string {
	return "hw_" + itoa(hwModel)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
