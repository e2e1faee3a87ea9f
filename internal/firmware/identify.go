// Package firmware guesses the provenance and version of an ESP32 app image
// from its bytes alone. The result is a heuristic: modified or future
// firmware can be misclassified, and an unrecognised image is reported as
// TypeUnknown rather than as an error.
package firmware

import (
	"bytes"
	"encoding/binary"
	"regexp"
)

// Type is the firmware family.
type Type string

const (
	TypeOfficialEnglish Type = "official-english"
	TypeOfficialChinese Type = "official-chinese"
	TypeCrossPoint      Type = "crosspoint"
	TypeUnknown         Type = "unknown"
)

// UnknownVersion is reported when no version string is found.
const UnknownVersion = "unknown"

// Info is the classification result.
type Info struct {
	Type        Type   `json:"type"`
	Version     string `json:"version"`
	DisplayName string `json:"display_name"`
}

const (
	// SearchLimit bounds the prefix scanned for version strings.
	SearchLimit = 25000

	imageMagic         = 0xE9
	appDescMagic       = 0xABCD5432
	appDescMagicOffset = 0x20
	minImageLength     = 0x24
	versionWindowLen   = 10
	xtosProximity      = 50
)

var (
	reVPrefixed     = regexp.MustCompile(`V\d+\.\d+\.\d+`)
	reCrossPoint    = regexp.MustCompile(`CrossPoint-ESP32-(\d+\.\d+\.\d+)`)
	reBareVersion   = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
	reLabelled      = regexp.MustCompile(`(?i)Version[:\s\v\p{Zs}\x{2028}\x{2029}\x{FEFF}]*(\d+\.\d+\.\d+)`)
	markerXTOS      = []byte("XTOS")
	markerCPVersion = []byte("CrossPoint-ESP32-")
	markerCPBoot    = []byte("Starting CrossPoint version")
)

// IsValidImage checks the ESP image magic byte and the app descriptor magic.
func IsValidImage(data []byte) bool {
	if len(data) < minImageLength || data[0] != imageMagic {
		return false
	}
	return binary.LittleEndian.Uint32(data[appDescMagicOffset:]) == appDescMagic
}

// ExtractVersion returns the first version string found in the search
// window, trying the official "V1.2.3" form first, then CrossPoint build
// tags, bare "1.2.3" lines and finally "Version: 1.2.3" text.
func ExtractVersion(data []byte) string {
	area := searchArea(data)

	for i := 0; i < len(area)-8; i++ {
		if area[i] != 'V' {
			continue
		}
		if m := reVPrefixed.Find(area[i:min(i+versionWindowLen, len(area))]); m != nil {
			return string(m)
		}
	}

	if m := reCrossPoint.FindSubmatch(area); m != nil {
		return string(m[1])
	}

	lines := bytes.FieldsFunc(area, func(r rune) bool { return r == 0 || r == '\n' })
	for _, line := range lines {
		if reBareVersion.Match(line) {
			return string(line)
		}
	}

	if m := reLabelled.FindSubmatch(area); m != nil {
		return string(m[1])
	}
	return UnknownVersion
}

// Identify classifies an app image. Official firmware is recognised by a
// V-prefixed version inside a valid image; the Chinese build carries "XTOS"
// close to that version string. CrossPoint markers are searched in the
// whole buffer.
func Identify(data []byte) Info {
	area := searchArea(data)
	version := ExtractVersion(area)

	versionOffset := -1
	if version != UnknownVersion {
		versionOffset = bytes.Index(area, []byte(version))
	}

	if versionOffset != -1 && version[0] == 'V' && IsValidImage(data) {
		start := max(0, versionOffset-xtosProximity)
		end := min(len(area), versionOffset+len(version)+xtosProximity)
		if bytes.Contains(area[start:end], markerXTOS) {
			return Info{Type: TypeOfficialChinese, Version: version, DisplayName: "Official Chinese"}
		}
		return Info{Type: TypeOfficialEnglish, Version: version, DisplayName: "Official English"}
	}

	if bytes.Contains(data, markerCPVersion) || bytes.Contains(data, markerCPBoot) {
		return Info{Type: TypeCrossPoint, Version: version, DisplayName: "CrossPoint Community Reader"}
	}

	return Info{Type: TypeUnknown, Version: version, DisplayName: "Custom/Unknown Firmware"}
}

// IsIdentificationSuccessful reports whether Identify recognised the family.
func IsIdentificationSuccessful(info Info) bool {
	return info.Type != TypeUnknown
}

func searchArea(data []byte) []byte {
	return data[:min(len(data), SearchLimit)]
}
