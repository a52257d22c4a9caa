package peer

import (
	"slices"
	"strings"
)

// softwareVideoCodec always has a software decode path on the target
// devices; hardware-only codecs are unreliable across them.
const softwareVideoCodec = "VP8"

// PreferSoftwareVideoCodec reorders the payload list of every m=video
// line so the payload types mapped to the software-decodable codec come
// first. All other lines are left untouched.
func PreferSoftwareVideoCodec(sdp string) string {
	sep := "\r\n"
	if !strings.Contains(sdp, sep) {
		sep = "\n"
	}
	lines := strings.Split(sdp, sep)

	var preferred []string
	for _, line := range lines {
		rest, ok := strings.CutPrefix(line, "a=rtpmap:")
		if !ok {
			continue
		}
		fields := strings.SplitN(rest, " ", 2)
		if len(fields) != 2 {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(fields[1]), softwareVideoCodec+"/") {
			preferred = append(preferred, fields[0])
		}
	}
	if len(preferred) == 0 {
		return sdp
	}

	for i, line := range lines {
		if !strings.HasPrefix(line, "m=video ") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) <= 3 {
			continue
		}
		payloads := parts[3:]
		reordered := make([]string, 0, len(payloads))
		for _, pt := range payloads {
			if slices.Contains(preferred, pt) {
				reordered = append(reordered, pt)
			}
		}
		for _, pt := range payloads {
			if !slices.Contains(preferred, pt) {
				reordered = append(reordered, pt)
			}
		}
		lines[i] = strings.Join(append(parts[:3], reordered...), " ")
	}
	return strings.Join(lines, sep)
}
